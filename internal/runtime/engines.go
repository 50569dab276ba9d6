package runtime

import (
	"fmt"

	"github.com/loqalabs/abogen/internal/config"
	"github.com/loqalabs/abogen/internal/engine"
)

// buildEngines registers every configured backend.
func buildEngines(cfg config.EnginesConfig) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	for _, e := range cfg.Backends {
		info := engine.Info{Name: e.Name, DisplayName: e.DisplayName, Description: e.Description}
		var factory engine.Factory
		switch e.Mode {
		case "mock":
			opts := engine.DefaultMockOptions()
			opts.Name = e.Name
			if len(e.Voices) > 0 {
				opts.Voices = e.Voices
			}
			opts.SupportsVoiceMixing = e.SupportsVoiceMixing
			opts.RequiresReferenceAudio = e.RequiresReferenceAudio
			opts.DefaultReferenceAudio = e.DefaultReferenceAudio
			if e.SampleRate > 0 {
				opts.SampleRate = e.SampleRate
			}
			factory = engine.MockFactory(opts)
		case "exec":
			factory = engine.ExecFactory(engine.ExecOptions{
				Name:                   e.Name,
				Command:                e.Command,
				Voices:                 e.Voices,
				SupportsVoiceMixing:    e.SupportsVoiceMixing,
				RequiresReferenceAudio: e.RequiresReferenceAudio,
				DefaultReferenceAudio:  e.DefaultReferenceAudio,
				SampleRate:             e.SampleRate,
			})
		default:
			return nil, fmt.Errorf("engine %s: unsupported mode %q", e.Name, e.Mode)
		}
		if err := reg.Register(info, factory); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
