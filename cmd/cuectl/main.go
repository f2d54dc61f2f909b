package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-cue/internal/audio"
	"github.com/loqalabs/loqa-cue/internal/bus"
	"github.com/loqalabs/loqa-cue/internal/config"
	"github.com/loqalabs/loqa-cue/internal/protocol"
	"github.com/loqalabs/loqa-cue/internal/relay"
)

var version = "0.1.0-dev"

const usage = "expected 'devices', 'validate', 'start', 'stop', 'status' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "devices":
		err = runDevices(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "start", "stop", "status":
		err = runControl(os.Args[1], os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	pattern := fs.String("pattern", config.DefaultDevicePattern, "Device name pattern to mark as loopback candidates")
	fs.Parse(args)

	devices, err := audio.ListDevices(*pattern)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return nil
	}
	for _, dev := range devices {
		marker := " "
		if dev.Matches {
			marker = "*"
		}
		def := ""
		if dev.IsDefault {
			def = " (default)"
		}
		fmt.Printf("%s %s%s  channels=%d rate=%.0f\n", marker, dev.Name, def, dev.MaxInputChannels, dev.DefaultSampleRate)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	if _, err := config.Load(*path); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}

func runControl(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	path := fs.String("config", "", "Path to configuration file")
	company := fs.String("company", "", "Company the interview is with (start only)")
	position := fs.String("position", "", "Position being interviewed for (start only)")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if !cfg.Bus.Enabled {
		return errors.New("bus.enabled is false; the daemon is not reachable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var servers []string
	if cfg.Bus.Embedded {
		servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}
	client, err := bus.Connect(ctx, cfg.Bus, logger, servers...)
	if err != nil {
		return err
	}
	defer client.Close()

	var (
		subject string
		req     any = struct{}{}
	)
	switch command {
	case "start":
		subject = protocol.SubjectControlStart
		req = protocol.SessionContext{Company: *company, Position: *position}
	case "stop":
		subject = protocol.SubjectControlStop
	default:
		subject = protocol.SubjectControlStatus
	}

	var reply relay.ControlReply
	if err := client.RequestJSON(ctx, subject, req, &reply); err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !reply.OK {
		return fmt.Errorf("%s failed: %s", command, reply.Error)
	}
	return nil
}
