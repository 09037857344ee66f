package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/riverfog7/ContentInstaller/internal"
)

// Define command structs
type InstallCmd struct {
	Paths      []string `arg:"positional,required" help:"NSP, XCI or NCA packages to install (.xz and .zst wrapped packages are unpacked first)"`
	TitleType  string   `arg:"--title-type" help:"Title type of loose NCA files (application, update, aoc, delta, system-program, system-data, ...)"`
	SystemArea bool     `arg:"--system-area" help:"Install into the system content store"`
}

type RemoveCmd struct {
	ProgramID string `arg:"positional,required" help:"Program id in hex"`
	Kind      string `arg:"--kind" default:"game" help:"game, update or aoc"`
}

type ListCmd struct {
	JSON bool `arg:"--json" help:"Print the registry as JSON"`
}

type VerifyCmd struct {
	ContentIDs []string `arg:"positional" help:"Content ids to verify (default: every installed content)"`
}

// Root command struct
type Args struct {
	Config    string `arg:"-c,--config" help:"TOML config file"`
	Verbosity int    `arg:"-v,--verbosity" default:"1" help:"0 warnings only, 1 info, 2 debug"`

	Install *InstallCmd `arg:"subcommand:install" help:"Install packages into the content store"`
	Remove  *RemoveCmd  `arg:"subcommand:remove" help:"Remove an installed game, update or add-on"`
	List    *ListCmd    `arg:"subcommand:list" help:"List installed contents"`
	Verify  *VerifyCmd  `arg:"subcommand:verify" help:"Check installed contents against their registry checksum"`
}

func (Args) Description() string {
	return "contentinstaller installs NSP, XCI and NCA packages into a NAND-style content store\n"
}

func setupLogger(verbosity int) {
	switch verbosity {
	case 0:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}
	log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	internal.LogHandler = internal.NewZerologHandler(log.Logger)
}

func main() {
	var args Args
	p := arg.MustParse(&args)

	setupLogger(args.Verbosity)

	cfg, err := internal.LoadConfig(args.Config)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(2)
	}

	var code int
	switch {
	case args.Install != nil:
		code = InstallCommand(cfg, args.Install)
	case args.Remove != nil:
		code = RemoveCommand(cfg, args.Remove)
	case args.List != nil:
		code = ListCommand(cfg, args.List)
	case args.Verify != nil:
		code = VerifyCommand(cfg, args.Verify)
	default:
		p.WriteHelp(os.Stdout)
		fmt.Println("No command specified")
		code = 1
	}
	os.Exit(code)
}
