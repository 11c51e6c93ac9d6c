package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	apiclient "github.com/splax/botrunner/pkg/api/client"
	"github.com/splax/botrunner/pkg/config"
)

var buildVersion = "dev"

type globalFlags struct {
	url   string
	token string
}

func (g *globalFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&g.url, "url", config.GetString("BOTRUNNER_URL", "http://localhost:5100"), "bot runner base URL")
	fs.StringVar(&g.token, "token", config.GetString("BOTRUNNER_TOKEN", ""), "bearer token for the worker API")
}

func (g *globalFlags) client() (*apiclient.Client, error) {
	return apiclient.New(g.url, apiclient.WithToken(g.token))
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "start":
		err = commandStart(args)
	case "stop":
		err = commandIdentity("stop", args)
	case "status":
		err = commandIdentity("status", args)
	case "logs":
		err = commandLogs(args)
	case "list":
		err = commandList(args)
	case "events":
		err = commandEvents(args)
	case "version", "--version", "-v":
		fmt.Println("botctl", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `botctl - drive a bot runner

Usage:
  botctl start  --tenant T --bot B --mode simple|custom|image [source flags]
  botctl stop   --tenant T --bot B
  botctl status --tenant T --bot B
  botctl logs   --tenant T --bot B [--lines N]
  botctl list   --tenant T
  botctl events --tenant T [--limit N]

Global flags: --url (BOTRUNNER_URL), --token (BOTRUNNER_TOKEN)`)
}

func commandStart(args []string) error {
	fs := pflag.NewFlagSet("start", pflag.ExitOnError)
	var g globalFlags
	g.bind(fs)
	tenant := fs.String("tenant", "", "tenant id")
	bot := fs.String("bot", "", "bot id")
	mode := fs.String("mode", "simple", "deployment mode: simple, custom or image")
	env := fs.StringArray("env", nil, "environment variable KEY=VALUE (repeatable)")
	memory := fs.Int("memory-mb", 0, "memory limit override in MB")
	cpus := fs.Float64("cpu-cores", 0, "CPU limit override in cores")
	pids := fs.Int64("pids-limit", 0, "process limit override")

	codeFile := fs.String("code-file", "", "simple: file whose content becomes the entrypoint")
	files := fs.StringArray("file", nil, "simple: NAME=PATH to ship in the build context (repeatable)")
	requirements := fs.StringArray("requirement", nil, "simple: pip requirement (repeatable)")
	entrypoint := fs.String("entrypoint", "", "simple: entrypoint file (default bot.py)")

	archiveFile := fs.String("archive-file", "", "custom: local .tar.gz uploaded inline")
	archiveURL := fs.String("archive-url", "", "custom: URL of a .tar.gz")
	gitRepo := fs.String("git-repo", "", "custom: git repository URL")
	gitBranch := fs.String("git-branch", "", "custom: git branch (default main)")
	gitSubdir := fs.String("git-subdir", "", "custom: subdirectory holding the Dockerfile")

	image := fs.String("image", "", "image: registry reference to pull")
	registryUser := fs.String("registry-user", "", "image: registry username; password is prompted")
	_ = fs.Parse(args)

	input := apiclient.StartBotInput{
		TenantID:       *tenant,
		BotID:          *bot,
		DeploymentMode: *mode,
		Requirements:   *requirements,
		Entrypoint:     *entrypoint,
		ArchiveURL:     *archiveURL,
		GitRepo:        *gitRepo,
		GitBranch:      *gitBranch,
		GitSubdir:      *gitSubdir,
		DockerImage:    *image,
	}
	var err error
	if input.EnvVars, err = parsePairs(*env); err != nil {
		return fmt.Errorf("--env: %w", err)
	}
	if *memory > 0 || *cpus > 0 || *pids > 0 {
		input.ResourceLimits = &apiclient.ResourceLimits{}
		if *memory > 0 {
			input.ResourceLimits.MemoryMB = memory
		}
		if *cpus > 0 {
			input.ResourceLimits.CPUCores = cpus
		}
		if *pids > 0 {
			input.ResourceLimits.PidsLimit = pids
		}
	}
	if *codeFile != "" {
		raw, err := os.ReadFile(*codeFile)
		if err != nil {
			return fmt.Errorf("read code file: %w", err)
		}
		input.Code = string(raw)
	}
	if len(*files) > 0 {
		paths, err := parsePairs(*files)
		if err != nil {
			return fmt.Errorf("--file: %w", err)
		}
		input.Files = make(map[string]string, len(paths))
		for name, path := range paths {
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			input.Files[name] = string(raw)
		}
	}
	if *archiveFile != "" {
		raw, err := os.ReadFile(*archiveFile)
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		input.Archive = base64.StdEncoding.EncodeToString(raw)
	}
	if *registryUser != "" {
		password, err := readSecret("Registry password: ")
		if err != nil {
			return err
		}
		input.RegistryAuth = &apiclient.RegistryAuth{Username: *registryUser, Password: password}
	}

	client, err := g.client()
	if err != nil {
		return err
	}
	resp, err := client.StartBot(context.Background(), input)
	if err != nil {
		return err
	}
	return printEnvelope(resp)
}

func commandIdentity(name string, args []string) error {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	var g globalFlags
	g.bind(fs)
	tenant := fs.String("tenant", "", "tenant id")
	bot := fs.String("bot", "", "bot id")
	_ = fs.Parse(args)

	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var env apiclient.Envelope
	if name == "stop" {
		env, err = client.StopBot(ctx, *tenant, *bot)
	} else {
		env, err = client.CheckStatus(ctx, *tenant, *bot)
	}
	if err != nil {
		return err
	}
	return printEnvelope(env)
}

func commandLogs(args []string) error {
	fs := pflag.NewFlagSet("logs", pflag.ExitOnError)
	var g globalFlags
	g.bind(fs)
	tenant := fs.String("tenant", "", "tenant id")
	bot := fs.String("bot", "", "bot id")
	lines := fs.IntP("lines", "n", 100, "number of lines to show")
	raw := fs.Bool("raw", false, "print only the log text")
	_ = fs.Parse(args)

	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	env, err := client.GetLogs(ctx, *tenant, *bot, *lines)
	if err != nil {
		return err
	}
	if *raw && env.Err() == nil {
		var data struct {
			Logs string `json:"logs"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode logs: %w", err)
		}
		fmt.Print(data.Logs)
		return nil
	}
	return printEnvelope(env)
}

func commandList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	var g globalFlags
	g.bind(fs)
	tenant := fs.String("tenant", "", "tenant id")
	_ = fs.Parse(args)

	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	env, err := client.ListBots(ctx, *tenant)
	if err != nil {
		return err
	}
	return printEnvelope(env)
}

func commandEvents(args []string) error {
	fs := pflag.NewFlagSet("events", pflag.ExitOnError)
	var g globalFlags
	g.bind(fs)
	tenant := fs.String("tenant", "", "tenant id")
	limit := fs.Int("limit", 20, "number of events")
	_ = fs.Parse(args)

	if strings.TrimSpace(*tenant) == "" {
		return errors.New("--tenant is required")
	}
	client, err := g.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	events, err := client.RecentEvents(ctx, *tenant, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

// parsePairs splits KEY=VALUE items.
func parsePairs(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", item)
		}
		out[key] = value
	}
	return out, nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		raw, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
		if err != nil {
			return "", fmt.Errorf("read secret from stdin: %w", err)
		}
		return strings.TrimRight(string(raw), "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(secret), nil
}

func printEnvelope(env apiclient.Envelope) error {
	if err := printJSON(env); err != nil {
		return err
	}
	return env.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
