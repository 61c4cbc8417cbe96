package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/igolaizola/songforge"
	"github.com/igolaizola/songforge/pkg/cmd/batch"
	"github.com/igolaizola/songforge/pkg/cmd/lyrics"
	"github.com/igolaizola/songforge/pkg/cmd/migrate"
	"github.com/igolaizola/songforge/pkg/cmd/serve"
	"github.com/igolaizola/songforge/pkg/cmd/setting"
	"github.com/igolaizola/songforge/pkg/scheduler"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "SONGFORGE"

func New(version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("songforge", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "songforge [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(version, commit, date),
			newMigrateCommand(),
			newSettingCommand(),
			newLyricsCommand(),
			newBatchCommand(),
			newServeCommand(),
		},
	}
}

func newVersionCommand(version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "songforge version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

func dbFlags(fs *flag.FlagSet, dbType, dbConn *string) {
	fs.StringVar(dbType, "db-type", "sqlite", "db type (sqlite, mysql, postgres)")
	fs.StringVar(dbConn, "db-conn", "songforge.db", "path for sqlite, dsn for mysql or postgres")
}

// serviceFlags registers the flags shared by the commands that run the
// generation service.
func serviceFlags(fs *flag.FlagSet, cfg *songforge.Config) {
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fs.BoolVar(&cfg.Migrate, "migrate", false, "migrate the database schema on start")
	fs.StringVar(&cfg.FSType, "fs-type", "local", "fs type (local, s3, telegram)")
	fs.StringVar(&cfg.FSConn, "fs-conn", "", "path for local, key:secret@bucket.region for s3, token@chat for telegram")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use for remote providers")

	// Lyrics
	fs.StringVar(&cfg.LLMKind, "llm", "local", "default lyrics provider (local, openai, comet, custom)")
	fs.StringVar(&cfg.OpenAIKey, "openai-key", "", "openai api key")
	fs.StringVar(&cfg.CometKey, "comet-key", "", "comet api key")
	fs.StringVar(&cfg.CometEndpoint, "comet-endpoint", "", "comet api base url")
	fs.StringVar(&cfg.CustomEndpoint, "custom-endpoint", "", "base url of the openai compatible custom provider")
	fs.StringVar(&cfg.LocalModel, "local-model", "", "path of the gguf model used by the local provider")
	fs.StringVar(&cfg.LlamaServer, "llama-server", "", "llama.cpp server binary")

	// Music
	fs.StringVar(&cfg.MusicEndpoint, "music-endpoint", "", "music generation server url")
	fs.StringVar(&cfg.FFmpeg, "ffmpeg", "", "ffmpeg binary")
	fs.StringVar(&cfg.Bitrate, "bitrate", "", "mp3 bitrate")
	fs.BoolVar(&cfg.Waveform, "waveform", false, "store a waveform preview of each song")
	fs.StringVar(&cfg.TempDir, "temp-dir", "", "directory for intermediate audio files")

	// Scheduler
	fs.IntVar(&cfg.Workers, "workers", scheduler.DefaultWorkers, "number of concurrent generations")
	fs.IntVar(&cfg.QueueSize, "queue-size", scheduler.DefaultQueueSize, "maximum number of queued generations")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", 30*time.Second, "time to wait for running generations on stop")
}

func newMigrateCommand() *ffcli.Command {
	cmd := "migrate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &migrate.Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songforge %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("songforge %s action", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return migrate.Run(ctx, cfg)
		},
	}
}

func newSettingCommand() *ffcli.Command {
	cmd := "setting"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &setting.Config{}
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	dbFlags(fs, &cfg.DBType, &cfg.DBConn)
	fs.StringVar(&cfg.Owner, "owner", "", "owner of the songs")
	fs.StringVar(&cfg.Kind, "llm", "", "lyrics provider (local, openai, comet, custom)")
	fs.StringVar(&cfg.Key, "key", "", "api key of the provider")
	fs.StringVar(&cfg.Model, "model", "", "model of the provider")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "base url of the provider")
	fs.BoolVar(&cfg.Delete, "delete", false, "delete the provider config of the owner")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songforge %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("songforge %s action", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return setting.Run(ctx, cfg)
		},
	}
}

func newLyricsCommand() *ffcli.Command {
	cmd := "lyrics"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &lyrics.Config{}
	serviceFlags(fs, &cfg.Config)
	fs.StringVar(&cfg.Owner, "owner", "", "owner whose provider config is used")
	fs.StringVar(&cfg.Genre, "genre", "pop", "genre of the song")
	fs.StringVar(&cfg.Mood, "mood", "", "mood of the song")
	fs.StringVar(&cfg.Title, "title", "", "title of the song")
	fs.StringVar(&cfg.Description, "description", "", "style description of the song")
	fs.StringVar(&cfg.Prompt, "prompt", "", "raw prompt, overrides genre, mood, title and description")
	fs.Float64Var(&cfg.Temperature, "temperature", 0, "sampling temperature (0 means default)")
	fs.StringVar(&cfg.Kind, "provider", "", "provider override (local, openai, comet, custom)")
	fs.StringVar(&cfg.Key, "key", "", "api key override")
	fs.StringVar(&cfg.Model, "model", "", "model override")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "base url override")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songforge %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("songforge %s command", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return lyrics.Run(ctx, cfg)
		},
	}
}

func newBatchCommand() *ffcli.Command {
	cmd := "batch"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &batch.Config{}
	serviceFlags(fs, &cfg.Config)
	fs.StringVar(&cfg.Input, "input", "", "csv or json with songs (fields: owner,title,genre,mood,description,lyrics,duration,temperature)")
	fs.StringVar(&cfg.Owner, "owner", "", "default owner of the songs")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for the process (0 means no timeout)")
	fs.DurationVar(&cfg.Poll, "poll", time.Second, "interval to check the songs status")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songforge %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("songforge %s command", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return batch.Run(ctx, cfg)
		},
	}
}

func newServeCommand() *ffcli.Command {
	cmd := "serve"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	cfg := &serve.Config{}
	serviceFlags(fs, &cfg.Config)
	fs.StringVar(&cfg.Addr, "addr", ":1337", "address to listen on")
	fs.DurationVar(&cfg.Poll, "poll", time.Minute, "interval to look for songs waiting for generation")
	fs.DurationVar(&cfg.Stale, "stale", time.Minute, "minimum age of a generating song to be resubmitted")
	fsMapVar(fs, &cfg.Credentials, "creds", nil, "credentials to use (semicolon separated) Example: user1:pass1;user2:pass2")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("songforge %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  fmt.Sprintf("songforge %s command", cmd),
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return serve.Serve(ctx, cfg)
		},
	}
}

type mapValue struct {
	v *map[string]string
}

func (m *mapValue) String() string {
	if m.v == nil {
		return ""
	}
	return fmt.Sprintf("%v", map[string]string(*m.v))
}

func (m *mapValue) Set(value string) error {
	if m.v == nil {
		return errors.New("nil map reference")
	}
	pairs := strings.Split(value, ";")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid map entry: %s", pair)
		}
		(*m.v)[parts[0]] = parts[1]
	}
	return nil
}

func fsMapVar(fs *flag.FlagSet, p *map[string]string, name string, value map[string]string, usage string) {
	if value == nil {
		value = make(map[string]string)
	}
	*p = value
	fs.Var(&mapValue{p}, name, usage)
}
