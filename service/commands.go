package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/shlex"

	"devkitd/config"
	"devkitd/transport"
)

// commandData is what command templates can refer to.
type commandData struct {
	GameID     string
	Directory  string
	Argv       string // shell-quoted
	ParamsJSON string
	User       string
}

// shortcutParams is the argument of the shortcut creation helper on the device.
type shortcutParams struct {
	GameID    string            `json:"gameid"`
	Directory string            `json:"directory"`
	Argv      []string          `json:"argv"`
	Settings  map[string]string `json:"settings"`
}

// Commands renders the remote commands of a deployment.
type Commands struct {
	prepare *template.Template // nil when no prepare step is configured
	install *template.Template
	launch  *template.Template
	delete  *template.Template
	list    *template.Template
}

var templateFuncs = template.FuncMap{
	"quote":     transport.Quote,
	"quotePath": transport.QuotePath,
}

func NewCommands(cfg config.DeployConfig) (*Commands, error) {
	c := &Commands{}
	var err error
	if cfg.PrepareCommand != "" {
		if c.prepare, err = parseCommand("prepare", cfg.PrepareCommand); err != nil {
			return nil, err
		}
	}
	if c.install, err = parseCommand("install", cfg.InstallCommand); err != nil {
		return nil, err
	}
	if c.launch, err = parseCommand("launch", cfg.LaunchCommand); err != nil {
		return nil, err
	}
	if c.delete, err = parseCommand("delete", cfg.DeleteCommand); err != nil {
		return nil, err
	}
	if c.list, err = parseCommand("list", cfg.ListCommand); err != nil {
		return nil, err
	}
	return c, nil
}

func parseCommand(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s command: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, data commandData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering %s command: %w", t.Name(), err)
	}
	return b.String(), nil
}

// HasPrepare reports whether a prepare command is configured.
func (c *Commands) HasPrepare() bool { return c.prepare != nil }

func (c *Commands) Prepare(gameID string) (string, error) {
	return render(c.prepare, commandData{GameID: gameID})
}

func (c *Commands) Install(gameID, directory, user string, argv []string, settings map[string]string) (string, error) {
	if settings == nil {
		settings = map[string]string{}
	}
	if argv == nil {
		argv = []string{}
	}
	params, err := json.Marshal(shortcutParams{GameID: gameID, Directory: directory, Argv: argv, Settings: settings})
	if err != nil {
		return "", err
	}
	return render(c.install, commandData{
		GameID:     gameID,
		Directory:  directory,
		Argv:       transport.QuoteArgs(argv),
		ParamsJSON: string(params),
		User:       user,
	})
}

// Launch renders the launch command. Unless monitored, the title is started detached so
// the command returns as soon as it is running.
func (c *Commands) Launch(gameID, directory, user string, argv []string, monitor bool) (string, error) {
	cmd, err := render(c.launch, commandData{
		GameID:    gameID,
		Directory: directory,
		Argv:      transport.QuoteArgs(argv),
		User:      user,
	})
	if err != nil || monitor {
		return cmd, err
	}
	return fmt.Sprintf("nohup sh -c %s </dev/null >/dev/null 2>&1 &", transport.Quote(cmd)), nil
}

func (c *Commands) Delete(gameID string) (string, error) {
	return render(c.delete, commandData{GameID: gameID})
}

func (c *Commands) List() (string, error) {
	return render(c.list, commandData{})
}

// SplitArgv splits a command line the way a POSIX shell would.
func SplitArgv(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	argv, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing argv: %w", err)
	}
	return argv, nil
}
