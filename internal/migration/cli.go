package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// CLI 把 `agentfleet migrate <action>` 映射到 Migrator 调用，结果以文本输出
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{
		migrator: migrator,
		output:   os.Stdout,
	}
}

// SetOutput 设置输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// change 是一个会修改 schema 的动作
type change struct {
	// needsArg 为 true 时 args[0] 必须是整数
	needsArg bool
	apply    func(ctx context.Context, m Migrator, n int) error
	describe func(n int) string
}

var changes = map[string]change{
	"up": {
		apply:    func(ctx context.Context, m Migrator, _ int) error { return m.Up(ctx) },
		describe: func(int) string { return "applying pending coordination migrations" },
	},
	"down": {
		apply:    func(ctx context.Context, m Migrator, _ int) error { return m.Down(ctx) },
		describe: func(int) string { return "rolling back the last coordination migration" },
	},
	"reset": {
		apply:    func(ctx context.Context, m Migrator, _ int) error { return m.DownAll(ctx) },
		describe: func(int) string { return "dropping every coordination migration" },
	},
	"steps": {
		needsArg: true,
		apply:    func(ctx context.Context, m Migrator, n int) error { return m.Steps(ctx, n) },
		describe: func(n int) string {
			if n < 0 {
				return fmt.Sprintf("rolling back %d coordination migration(s)", -n)
			}
			return fmt.Sprintf("applying %d coordination migration(s)", n)
		},
	},
	"goto": {
		needsArg: true,
		apply:    func(ctx context.Context, m Migrator, n int) error { return m.Goto(ctx, uint(n)) },
		describe: func(n int) string { return fmt.Sprintf("moving coordination schema to version %d", n) },
	},
	"force": {
		needsArg: true,
		apply:    func(ctx context.Context, m Migrator, n int) error { return m.Force(ctx, n) },
		describe: func(n int) string { return fmt.Sprintf("marking coordination schema as version %d", n) },
	},
}

// Run 执行一个 migrate 动作。steps/goto/force 从 args[0] 读取整数参数。
func (c *CLI) Run(ctx context.Context, action string, args []string) error {
	switch action {
	case "version":
		return c.printVersion(ctx)
	case "status":
		return c.printStatus(ctx)
	case "info":
		return c.printInfo(ctx)
	case "down-all":
		action = "reset"
	}

	ch, ok := changes[action]
	if !ok {
		return fmt.Errorf("unknown migrate action %q", action)
	}
	n := 0
	if ch.needsArg {
		if len(args) == 0 {
			return fmt.Errorf("%s requires a numeric argument", action)
		}
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("invalid %s argument %q: %w", action, args[0], err)
		}
		if action == "goto" && n < 0 {
			return fmt.Errorf("goto version must be non-negative, got %d", n)
		}
	}

	fmt.Fprintf(c.output, "%s...\n", ch.describe(n))
	if err := ch.apply(ctx, c.migrator, n); err != nil {
		return fmt.Errorf("migrate %s failed: %w", action, err)
	}
	return c.printSummary(ctx)
}

// printSummary 输出动作完成后的 schema 位置
func (c *CLI) printSummary(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read migration info: %w", err)
	}
	fmt.Fprintf(c.output, "coordination schema at version %d, %d pending%s\n",
		info.CurrentVersion, info.PendingMigrations, dirtySuffix(info.Dirty))
	return nil
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.output, "coordination schema has no migrations applied")
		return nil
	}
	fmt.Fprintf(c.output, "coordination schema version %d%s\n", version, dirtySuffix(dirty))
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "no coordination migrations embedded")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMIGRATION\tSTATE")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return c.printSummary(ctx)
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read migration info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "dirty:\t%t\n", info.Dirty)
	fmt.Fprintf(w, "applied:\t%d/%d\n", info.AppliedMigrations, info.TotalMigrations)
	fmt.Fprintf(w, "pending:\t%d\n", info.PendingMigrations)
	return w.Flush()
}
