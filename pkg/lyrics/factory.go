package lyrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultOpenAIModel    = "gpt-3.5-turbo"
	DefaultCometModel     = "claude-sonnet-4-5"
	DefaultCustomModel    = "gpt-3.5-turbo"
	DefaultCometEndpoint  = "https://api.cometapi.com/v1"
	DefaultCustomEndpoint = "http://localhost:8000/v1"
	localModelName        = "local"
)

// Defaults are the process wide provider settings.
type Defaults struct {
	Kind           string
	OpenAIKey      string
	CometKey       string
	CometEndpoint  string
	CustomEndpoint string
	LocalModel     string
	LlamaServer    string
	LoadTimeout    time.Duration
	Client         *http.Client
	Debug          bool
}

type Factory struct {
	defaults Defaults
	client   *http.Client
	debug    func(string, ...any)
	start    startFunc

	lck   sync.Mutex
	local map[string]*localInstance
}

func NewFactory(d *Defaults) *Factory {
	defaults := *d
	if defaults.Kind == "" {
		defaults.Kind = Local
	}
	if defaults.CometEndpoint == "" {
		defaults.CometEndpoint = DefaultCometEndpoint
	}
	if defaults.CustomEndpoint == "" {
		defaults.CustomEndpoint = DefaultCustomEndpoint
	}
	if defaults.LlamaServer == "" {
		defaults.LlamaServer = DefaultLlamaServer
	}
	if defaults.LoadTimeout == 0 {
		defaults.LoadTimeout = defaultLoadTimeout
	}
	client := defaults.Client
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	debug := func(string, ...any) {}
	if defaults.Debug {
		debug = func(format string, args ...any) {
			log.Printf(format+"\n", args...)
		}
	}
	return &Factory{
		defaults: defaults,
		client:   client,
		debug:    debug,
		start:    startLlamaServer,
		local:    map[string]*localInstance{},
	}
}

// Resolve fills the empty fields of the config with the defaults of its
// kind.
func (f *Factory) Resolve(cfg Config) Config {
	if cfg.Kind == "" {
		cfg.Kind = f.defaults.Kind
	}
	switch cfg.Kind {
	case OpenAI:
		if cfg.Key == "" {
			cfg.Key = f.defaults.OpenAIKey
		}
		if cfg.Model == "" {
			cfg.Model = DefaultOpenAIModel
		}
	case Comet:
		if cfg.Key == "" {
			cfg.Key = f.defaults.CometKey
		}
		if cfg.Model == "" {
			cfg.Model = DefaultCometModel
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = f.defaults.CometEndpoint
		}
	case Custom:
		if cfg.Model == "" {
			cfg.Model = DefaultCustomModel
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = f.defaults.CustomEndpoint
		}
	case Local:
		cfg.Key = ""
		cfg.Model = localModelName
		cfg.Endpoint = ""
	}
	return cfg
}

// Provider returns the provider for the config merged over the defaults.
func (f *Factory) Provider(ctx context.Context, cfg Config) (Provider, error) {
	cfg = f.Resolve(cfg)
	switch cfg.Kind {
	case OpenAI, Comet:
		if cfg.Key == "" {
			return nil, fmt.Errorf("%w for %s provider", ErrMissingCredential, cfg.Kind)
		}
		return newChat(cfg.Kind, cfg.Key, cfg.Endpoint, cfg.Model, f.client, f.debug), nil
	case Custom:
		return newChat(cfg.Kind, cfg.Key, cfg.Endpoint, cfg.Model, f.client, f.debug), nil
	case Local:
		inst, err := f.loadLocal(ctx)
		if err != nil {
			return nil, err
		}
		c := newChat(cfg.Kind, "", inst.server.endpoint, cfg.Model, f.client, f.debug)
		c.lock = &inst.lock
		return c, nil
	default:
		return nil, fmt.Errorf("lyrics: unknown provider kind %q", cfg.Kind)
	}
}

func (f *Factory) loadLocal(ctx context.Context) (*localInstance, error) {
	bin, model := f.defaults.LlamaServer, f.defaults.LocalModel
	key := fingerprint(bin, model)

	f.lck.Lock()
	defer f.lck.Unlock()
	if inst, ok := f.local[key]; ok {
		if !inst.server.exited() {
			return inst, nil
		}
		log.Printf("lyrics: local model server of %s exited, reloading\n", model)
		delete(f.local, key)
	}
	f.debug("lyrics: loading local model %s with %s", model, bin)
	srv, err := f.start(ctx, bin, model, f.defaults.LoadTimeout)
	if err != nil {
		return nil, err
	}
	inst := &localInstance{server: srv}
	f.local[key] = inst
	return inst, nil
}

// GenerateTextNow runs a provider synchronously, outside of the scheduler.
func (f *Factory) GenerateTextNow(ctx context.Context, cfg Config, prompt string, temperature float64) (*Result, error) {
	p, err := f.Provider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, prompt, DefaultMaxTokens, temperature)
}

// Close stops the local model servers.
func (f *Factory) Close() error {
	f.lck.Lock()
	defer f.lck.Unlock()
	var errs []error
	for key, inst := range f.local {
		if inst.server.stop != nil {
			if err := inst.server.stop(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(f.local, key)
	}
	return errors.Join(errs...)
}
