package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mossdb/mossdb/pkg/mvstore"
	"github.com/mossdb/mossdb/pkg/txn"
)

const (
	version = "0.1.0"
	banner  = `
╔══════════════════════════════════════╗
║          mossdb CLI v%s            ║
║   MVCC transaction REPL              ║
╚══════════════════════════════════════╝

Type 'help' for available commands
Type 'exit' or 'quit' to exit

`
)

// CLI is a small REPL over one txn.Store and one string->string
// TxMap named "default", mirroring the teacher's laura-cli but for
// begin/put/get/commit/rollback against transactions instead of
// documents against collections.
type CLI struct {
	store   *txn.Store
	kv      *txn.TxMap[string, string]
	tx      *txn.Transaction
	scanner *bufio.Scanner
}

func NewCLI() (*CLI, error) {
	registry := mvstore.NewRegistry()
	store := txn.NewStore(txn.DefaultConfig(), registry)
	if _, err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return &CLI{
		store:   store,
		scanner: bufio.NewScanner(os.Stdin),
	}, nil
}

func (c *CLI) Run() error {
	fmt.Printf(banner, version)

	for {
		prompt := "mossdb> "
		if c.tx != nil {
			prompt = fmt.Sprintf("mossdb(tx:%d)> ", c.tx.SlotID())
		}
		fmt.Print(prompt)

		if !c.scanner.Scan() {
			break
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}

		if err := c.executeCommand(line); err != nil {
			if err.Error() == "exit" {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Printf("Error: %v\n", err)
		}
	}
	return c.scanner.Err()
}

func (c *CLI) executeCommand(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case "help", "?":
		return c.showHelp()
	case "exit", "quit":
		return fmt.Errorf("exit")
	case "begin":
		return c.begin(parts)
	case "put":
		return c.put(parts)
	case "get":
		return c.get(parts)
	case "remove":
		return c.remove(parts)
	case "commit":
		return c.commit()
	case "rollback":
		return c.rollback()
	case "status":
		return c.status()
	case "version":
		fmt.Printf("mossdb CLI version %s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", cmd)
	}
}

func (c *CLI) showHelp() error {
	fmt.Print(`
mossdb CLI Commands:

  help, ?                         Show this help message
  exit, quit                      Exit the CLI
  version                         Show CLI version

  begin [isolation]                Start a transaction (ru|rc|rr|snapshot|serializable, default rc)
  put <key> <value>                Write a key under the open transaction
  get <key>                        Read a key under the open transaction
  remove <key>                     Delete a key under the open transaction
  commit                           Commit the open transaction
  rollback                         Roll back the open transaction
  status                           Show the open transaction's status

`)
	return nil
}

func parseIsolation(s string) (txn.Isolation, error) {
	switch strings.ToLower(s) {
	case "", "rc":
		return txn.ReadCommitted, nil
	case "ru":
		return txn.ReadUncommitted, nil
	case "rr":
		return txn.RepeatableRead, nil
	case "snapshot":
		return txn.Snapshot, nil
	case "serializable":
		return txn.Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level: %s", s)
	}
}

func (c *CLI) begin(parts []string) error {
	if c.tx != nil {
		return fmt.Errorf("a transaction is already open (slot %d)", c.tx.SlotID())
	}
	level := ""
	if len(parts) > 1 {
		level = parts[1]
	}
	isolation, err := parseIsolation(level)
	if err != nil {
		return err
	}
	tx, err := c.store.Begin("cli", isolation, 5*time.Second)
	if err != nil {
		return err
	}
	kv, err := txn.OpenMap[string, string](tx, "default")
	if err != nil {
		tx.Rollback()
		return err
	}
	c.tx = tx
	c.kv = kv
	fmt.Printf("Started transaction in slot %d\n", tx.SlotID())
	return nil
}

func (c *CLI) requireTx() error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction (use 'begin' first)")
	}
	return nil
}

func (c *CLI) put(parts []string) error {
	if err := c.requireTx(); err != nil {
		return err
	}
	if len(parts) < 3 {
		return fmt.Errorf("usage: put <key> <value>")
	}
	key := parts[1]
	value := strings.Join(parts[2:], " ")
	if _, _, err := c.kv.Put(key, value); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func (c *CLI) get(parts []string) error {
	if err := c.requireTx(); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("usage: get <key>")
	}
	value, ok := c.kv.Get(parts[1])
	if !ok {
		fmt.Println("(nil)")
		return nil
	}
	fmt.Println(value)
	return nil
}

func (c *CLI) remove(parts []string) error {
	if err := c.requireTx(); err != nil {
		return err
	}
	if len(parts) < 2 {
		return fmt.Errorf("usage: remove <key>")
	}
	_, existed, err := c.kv.Remove(parts[1])
	if err != nil {
		return err
	}
	fmt.Printf("removed=%v\n", existed)
	return nil
}

func (c *CLI) commit() error {
	if err := c.requireTx(); err != nil {
		return err
	}
	if err := c.tx.Commit(); err != nil {
		return err
	}
	fmt.Printf("Committed transaction in slot %d\n", c.tx.SlotID())
	c.tx, c.kv = nil, nil
	return nil
}

func (c *CLI) rollback() error {
	if err := c.requireTx(); err != nil {
		return err
	}
	slot := c.tx.SlotID()
	if err := c.tx.Rollback(); err != nil {
		return err
	}
	fmt.Printf("Rolled back transaction in slot %d\n", slot)
	c.tx, c.kv = nil, nil
	return nil
}

func (c *CLI) status() error {
	if c.tx == nil {
		fmt.Println("no open transaction")
		return nil
	}
	fmt.Printf("slot=%d isolation=%v status=%v hasRollback=%v logId=%s\n",
		c.tx.SlotID(), c.tx.Isolation(), c.tx.Status(), c.tx.HasRollback(), strconv.FormatUint(c.tx.LogID(), 10))
	return nil
}

func main() {
	cli, err := NewCLI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := cli.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
