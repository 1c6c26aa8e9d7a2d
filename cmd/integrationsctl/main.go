package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/integrations/internal/api"
	"github.com/matheus3301/integrations/internal/config"
	"github.com/matheus3301/integrations/internal/instance"
	"github.com/matheus3301/integrations/internal/lock"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config)")
	configFlag := flag.String("config", "", "config file (default ~/.integrations/config.toml)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	path := *configFlag
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.Resolve(path, "")
	if err != nil {
		fatal(err)
	}
	name := instance.Resolve(*instanceFlag, cfg.Instance)
	if err := instance.ValidateName(name); err != nil {
		fatal(err)
	}

	paths := instance.New(cfg.DataDir, name)
	if pid, err := lock.Owner(paths.Dir); err == nil && pid == 0 {
		fmt.Fprintf(os.Stderr, "error: daemon for instance %q is not running\n", name)
		os.Exit(1)
	}

	c, err := api.Dial(paths.Socket())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for instance %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cmdStatus(ctx, c, *jsonFlag)
	case "remove-integration", "remove-account":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: integrationsctl %s <id>\n", args[0])
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var resp *structpb.Struct
		if args[0] == "remove-integration" {
			resp, err = c.RemoveIntegration(ctx, args[1])
		} else {
			resp, err = c.RemoveAccount(ctx, args[1])
		}
		if err != nil {
			fatal(err)
		}
		outputJSON(resp)
	case "watch":
		prefix := ""
		if len(args) >= 2 {
			prefix = args[1]
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		cmdWatch(ctx, c, prefix)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: integrationsctl [--instance <name>] [--config <file>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  remove-integration <id>   Remove an integration by its main API id")
	fmt.Fprintln(os.Stderr, "  remove-account <id>       Remove an account and its integrations")
	fmt.Fprintln(os.Stderr, "  watch [prefix]            Stream daemon events")
}

func cmdStatus(ctx context.Context, c *api.Conn, jsonOut bool) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	f := resp.GetFields()
	fmt.Printf("Uptime:   %dms\n", int64(f["uptime_ms"].GetNumberValue()))
	var channels []string
	for _, v := range f["channels"].GetListValue().GetValues() {
		channels = append(channels, v.GetStringValue())
	}
	fmt.Printf("Channels: %v\n", channels)
	for _, k := range []string{"accounts", "integrations", "customers", "conversations", "messages"} {
		fmt.Printf("  %-14s %d\n", k, int64(f[k].GetNumberValue()))
	}
	fmt.Printf("Dropped events: %d\n", int64(f["dropped_events"].GetNumberValue()))
	fmt.Printf("Schema version: %d\n", int64(f["schema_version"].GetNumberValue()))
}

func cmdWatch(ctx context.Context, c *api.Conn, prefix string) {
	stream, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		fatal(err)
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		if err != nil {
			fatal(err)
		}
		b, _ := protojson.Marshal(evt)
		fmt.Println(string(b))
	}
}

func outputJSON(m proto.Message) {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
