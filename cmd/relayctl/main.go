// relayctl talks to a running relay hub: liveness, raw CDP calls, and
// recording control.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/dgnsrekt/tab_relay/internal/client"
	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

const usage = `usage: relayctl [flags] <command> [args]

commands:
  status                         hub liveness and target count
  targets                        list tabs the hub knows
  call <method> [params-json]    send a CDP command (--session to route)
  record-start                   start recording (--tab or --session, --out)
  record-stop                    stop recording and wait for the file
  record-cancel                  discard a recording
  is-recording                   report whether a tab is recording

flags:
`

type options struct {
	hubURL    string
	token     string
	timeout   time.Duration
	session   string
	tab       int
	out       string
	label     string
	quality   int
	maxWidth  int
	maxHeight int
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	defaults := config.LoadCtl()
	var opts options
	flagSet := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.hubURL, "hub", defaults.HubURL, "hub base URL")
	flagSet.StringVar(&opts.token, "token", defaults.Token, "hub access token")
	flagSet.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "per-command timeout")
	flagSet.StringVarP(&opts.session, "session", "s", "", "session id to route the command to")
	flagSet.IntVarP(&opts.tab, "tab", "t", 0, "tab id for recording commands")
	flagSet.StringVarP(&opts.out, "out", "o", "", "recording output path, relative to the hub's recordings dir")
	flagSet.StringVar(&opts.label, "label", "", "recording label")
	flagSet.IntVar(&opts.quality, "quality", 0, "JPEG quality 1-100")
	flagSet.IntVar(&opts.maxWidth, "max-width", 0, "maximum frame width")
	flagSet.IntVar(&opts.maxHeight, "max-height", 0, "maximum frame height")
	flagSet.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return fmt.Errorf("missing command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	switch rest[0] {
	case "status":
		st, err := client.Status(ctx, nil, opts.hubURL)
		if err != nil {
			return err
		}
		return printJSON(stdout, st)
	case "targets":
		return callAndPrint(ctx, stdout, opts, "Target.getTargets", nil)
	case "call":
		if len(rest) < 2 {
			return fmt.Errorf("call needs a method")
		}
		var params any
		if len(rest) > 2 {
			if !json.Valid([]byte(rest[2])) {
				return fmt.Errorf("params are not valid JSON: %s", rest[2])
			}
			params = json.RawMessage(rest[2])
		}
		return callAndPrint(ctx, stdout, opts, rest[1], params)
	case "record-start":
		if opts.out == "" {
			return fmt.Errorf("record-start needs --out")
		}
		return callAndPrint(ctx, stdout, opts, protocol.MethodNameStartRecording, protocol.StartRecordingParams{
			TabID:      opts.tab,
			SessionID:  opts.session,
			OutputPath: opts.out,
			Label:      opts.label,
			Quality:    opts.quality,
			MaxWidth:   opts.maxWidth,
			MaxHeight:  opts.maxHeight,
		})
	case "record-stop":
		return callAndPrint(ctx, stdout, opts, protocol.MethodNameStopRecording, tabRef(opts))
	case "record-cancel":
		return callAndPrint(ctx, stdout, opts, protocol.MethodNameCancelRecording, tabRef(opts))
	case "is-recording":
		return callAndPrint(ctx, stdout, opts, protocol.MethodNameIsRecording, tabRef(opts))
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %s", strconv.Quote(rest[0]))
	}
}

func tabRef(opts options) protocol.TabRef {
	return protocol.TabRef{TabID: opts.tab, SessionID: opts.session}
}

func callAndPrint(ctx context.Context, stdout io.Writer, opts options, method string, params any) error {
	c, err := client.Dial(ctx, opts.hubURL, opts.token)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Call(ctx, method, opts.session, params)
	if err != nil {
		return err
	}
	if len(res) == 0 {
		res = json.RawMessage(`{}`)
	}
	return printJSON(stdout, res)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
