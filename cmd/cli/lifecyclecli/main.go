package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/control"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

type globalOptions struct {
	Server    string        `long:"server" description:"admin API base URL" default:"http://127.0.0.1:8080"`
	Token     string        `long:"token" env:"LIFECYCLE_TOKEN" description:"bearer token for mutating commands"`
	JWTSecret string        `long:"jwt-secret" env:"LIFECYCLE_JWT_SECRET" description:"mint a short-lived token from the server secret"`
	Timeout   time.Duration `long:"timeout" description:"overall command timeout" default:"60s"`
	Verbose   bool          `long:"verbose" short:"v" description:"debug logging"`
}

var global globalOptions

type instancesCommand struct{}

type startCommand struct {
	Args struct {
		InstanceID string `positional-arg-name:"instance-id" required:"true"`
	} `positional-args:"true"`
}

type stopCommand struct {
	StopTimeout time.Duration `long:"stop-timeout" description:"graceful stop timeout, 0 uses the server default"`
	Args        struct {
		InstanceID string `positional-arg-name:"instance-id" required:"true"`
	} `positional-args:"true"`
}

type scaleCommand struct {
	Args struct {
		PluginID  string `positional-arg-name:"plugin-id" required:"true"`
		Instances int    `positional-arg-name:"instances" required:"true"`
	} `positional-args:"true"`
}

type rollingRestartCommand struct {
	BatchSize int     `long:"batch-size" description:"instances restarted together" default:"1"`
	Canary    float64 `long:"canary" description:"replace instances zero-downtime with this canary percentage instead"`
	Wait      bool    `long:"wait" description:"poll until the execution finishes"`
	Args      struct {
		Instances []string `positional-arg-name:"instance-id" required:"1"`
	} `positional-args:"true"`
}

type analyticsCommand struct{}

type exportCommand struct {
	Output string `long:"output" short:"o" description:"write the bundle to a file instead of stdout"`
}

type importCommand struct {
	Args struct {
		File string `positional-arg-name:"bundle-file" required:"true"`
	} `positional-args:"true"`
}

func main() {
	parser := flags.NewParser(&global, flags.HelpFlag|flags.PassDoubleDash)
	parser.AddCommand("instances", "List instances", "List every instance with its state.", &instancesCommand{})
	parser.AddCommand("start", "Start an instance", "Start an instance after its dependencies.", &startCommand{})
	parser.AddCommand("stop", "Stop an instance", "Stop an instance and its running dependents.", &stopCommand{})
	parser.AddCommand("scale", "Scale a plugin", "Bring a plugin to the given number of instances.", &scaleCommand{})
	parser.AddCommand("rolling-restart", "Restart instances in batches", "Restart instances in place, batch by batch.", &rollingRestartCommand{})
	parser.AddCommand("analytics", "Show lifecycle analytics", "Print lifecycle analytics as JSON.", &analyticsCommand{})
	parser.AddCommand("export", "Export configuration", "Export policies, rules and templates as a YAML bundle.", &exportCommand{})
	parser.AddCommand("import", "Import configuration", "Import a YAML configuration bundle.", &importCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	config := logging.DefaultZapConfig()
	config.Output = "stderr"
	config.Level = "warn"
	if global.Verbose {
		config.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(config)
	if err != nil {
		return logging.NewNopLogger()
	}
	return logging.Child(zapLogger, "module: lifecycle-client , ")
}

func connect() (*control.Client, context.Context, context.CancelFunc, error) {
	token := global.Token
	if token == "" && global.JWTSecret != "" {
		minted, err := control.IssueToken(global.JWTSecret, "lifecyclecli", 5*time.Minute)
		if err != nil {
			return nil, nil, nil, err
		}
		token = minted
	}

	ctx, cancel := context.WithTimeout(context.Background(), global.Timeout)
	client := control.NewClient(global.Server, token, newLogger())
	err := client.WaitLive(ctx, control.RetryOptions{RetryAttempts: 10, RetryInterval: time.Second})
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("server %s is not reachable: %w", global.Server, err)
	}
	return client, ctx, cancel, nil
}

func printJSON(value interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (c *instancesCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	instances, err := client.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		fmt.Printf("%-40s %-20s %-10s %s\n", instance.InstanceID, instance.PluginID, instance.State, instance.Health)
	}
	return nil
}

func (c *startCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	if err := client.StartInstance(ctx, c.Args.InstanceID); err != nil {
		return err
	}
	fmt.Printf("Started %s\n", c.Args.InstanceID)
	return nil
}

func (c *stopCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	if err := client.StopInstance(ctx, c.Args.InstanceID, c.StopTimeout); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", c.Args.InstanceID)
	return nil
}

func (c *scaleCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	result, err := client.ScalePlugin(ctx, c.Args.PluginID, c.Args.Instances)
	if err != nil {
		return err
	}
	fmt.Printf("Scaled %s from %d to %d instances\n", result.PluginID, result.Previous, result.Current)
	if len(result.Created) > 0 {
		fmt.Printf("Created: %s\n", strings.Join(result.Created, ", "))
	}
	if len(result.Removed) > 0 {
		fmt.Printf("Removed: %s\n", strings.Join(result.Removed, ", "))
	}
	return nil
}

func (c *rollingRestartCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	var executionID string
	if c.Canary > 0 {
		executionID, err = client.ZeroDowntimeRestart(ctx, c.Args.Instances, c.Canary)
	} else {
		executionID, err = client.RollingRestart(ctx, c.Args.Instances, c.BatchSize)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Execution %s submitted\n", executionID)
	if !c.Wait {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		result, err := client.BatchResult(ctx, executionID)
		if err == nil {
			var status struct {
				Status string `json:"status"`
			}
			if json.Unmarshal(result, &status) == nil && status.Status != "" && status.Status != "running" && status.Status != "pending" {
				return printJSON(result)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("execution %s still running: %w", executionID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *analyticsCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	analytics, err := client.Analytics(ctx)
	if err != nil {
		return err
	}
	return printJSON(analytics)
}

func (c *exportCommand) Execute(args []string) error {
	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	bundle, err := client.ExportConfiguration(ctx)
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(bundle)
		return err
	}
	return os.WriteFile(c.Output, bundle, 0600)
}

func (c *importCommand) Execute(args []string) error {
	bundle, err := os.ReadFile(c.Args.File)
	if err != nil {
		return err
	}

	client, ctx, cancel, err := connect()
	if err != nil {
		return err
	}
	defer cancel()

	result, err := client.ImportConfiguration(ctx, bundle)
	if err != nil {
		return err
	}
	fmt.Printf("Policies added: %d, updated: %d\n", result.PoliciesAdded, result.PoliciesUpdated)
	fmt.Printf("Rules added: %d, updated: %d\n", result.RulesAdded, result.RulesUpdated)
	fmt.Printf("Templates added: %d, updated: %d\n", result.TemplatesAdded, result.TemplatesUpdated)
	return nil
}
