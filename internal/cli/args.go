package cli

import (
	"fmt"
	"os"
	"strings"
)

// Command names accepted on the command line.
const (
	CmdServe   = "serve"
	CmdTest    = "test"
	CmdDevices = "devices"
	CmdAdd     = "add"
	CmdHelp    = "help"
)

// Usage is printed for help and usage errors.
const Usage = `usage: animehub [-c settings.yaml] <command> [args]

commands:
  serve [--addr :3000]          run the HTTP server
  test                          check the JDownloader connection
  devices                       list My.JDownloader devices
  add -p "<package>" <url>...   send links to JDownloader`

// Command is a parsed command line.
type Command struct {
	// ConfigPath is empty when no -c/--config flag was given.
	ConfigPath string
	Name       string
	Package    string
	Addr       string
	Links      []string
}

// ParseArgs parses argv (without the program name).
//
// Global flags (`-c <path>` / `--config <path>`) may appear anywhere. -h or
// --help yields CmdHelp; without a command Name is left empty.
func ParseArgs(argv []string) (Command, error) {
	var cmd Command
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-c" || arg == "--config":
			v, err := flagValue(argv, &i)
			if err != nil {
				return Command{}, err
			}
			cmd.ConfigPath = v
		case strings.HasPrefix(arg, "--config="):
			cmd.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "-h" || arg == "--help":
			cmd.Name = CmdHelp
			return cmd, nil
		case arg == "-p" || arg == "--package":
			v, err := flagValue(argv, &i)
			if err != nil {
				return Command{}, err
			}
			cmd.Package = v
		case arg == "--addr":
			v, err := flagValue(argv, &i)
			if err != nil {
				return Command{}, err
			}
			cmd.Addr = v
		case strings.HasPrefix(arg, "--addr="):
			cmd.Addr = strings.TrimPrefix(arg, "--addr=")
		case strings.HasPrefix(arg, "-"):
			return Command{}, fmt.Errorf("unknown flag %s", arg)
		case cmd.Name == "":
			cmd.Name = arg
		default:
			cmd.Links = append(cmd.Links, arg)
		}
	}
	return cmd, validate(cmd)
}

func validate(cmd Command) error {
	switch cmd.Name {
	case "":
		return nil
	case CmdServe, CmdTest, CmdDevices, CmdHelp:
		if len(cmd.Links) > 0 {
			return fmt.Errorf("%s takes no arguments", cmd.Name)
		}
	case CmdAdd:
		if len(cmd.Links) == 0 {
			return fmt.Errorf("add needs at least one link")
		}
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	return nil
}

func flagValue(argv []string, i *int) (string, error) {
	if *i+1 >= len(argv) {
		return "", fmt.Errorf("flag %s needs a value", argv[*i])
	}
	*i++
	return argv[*i], nil
}

// Exit terminates the process with the given exit code.
func Exit(code int) {
	os.Exit(code)
}
