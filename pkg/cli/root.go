package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// Env carries what commands need from the process. Connect is called at
// most once, by the first command that touches the database.
type Env struct {
	Out        io.Writer
	Logger     *observability.Logger
	BcryptCost int
	Connect    func(ctx context.Context) (*sql.DB, error)

	db *sql.DB
}

// DB connects on first use.
func (e *Env) DB(ctx context.Context) (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	if e.Connect == nil {
		return nil, fmt.Errorf("no database configured")
	}
	db, err := e.Connect(ctx)
	if err != nil {
		return nil, err
	}
	e.db = db
	return db, nil
}

// Close releases the database connection if one was opened.
func (e *Env) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, flags *flag.FlagSet) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the fleetwise-admin root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "fleetwise-admin",
		Description: "Fleetwise operator tooling",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("fleetwise-admin", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(),
		newCreateTenantCommand(),
		newListTenantsCommand(),
		newSetTenantActiveCommand(),
		newCreateUserCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute dispatches args[0] to a subcommand. No arguments or a help flag
// print usage.
func (c *Command) Execute(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 || isHelp(args[0]) {
		c.usage(env.Out)
		return nil
	}

	sub, ok := c.Subcommands[args[0]]
	if !ok {
		c.usage(env.Out)
		return fmt.Errorf("unknown command: %s", args[0])
	}

	sub.Flags.SetOutput(env.Out)
	if err := sub.Flags.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	return sub.Run(ctx, env, sub.Flags)
}

func isHelp(arg string) bool {
	switch strings.ToLower(arg) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

// usage prints the command usage
func (c *Command) usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s <command> [flags]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
}

// requireFlags returns an error naming the first empty flag.
func requireFlags(flags *flag.FlagSet, names ...string) error {
	for _, name := range names {
		if strings.TrimSpace(flags.Lookup(name).Value.String()) == "" {
			return fmt.Errorf("--%s is required", name)
		}
	}
	return nil
}
