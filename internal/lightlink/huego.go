package lightlink

import (
	"context"
	"fmt"
	"strings"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
)

// BridgeWriter applies lamp states through a Hue bridge using huego.
// Connect and SetAll are called from the link's single run goroutine.
type BridgeWriter struct {
	host  string
	token string
	names []string

	lights []huego.Light
}

// NewBridgeWriter creates a writer for the given bridge. An empty host
// triggers discovery on Connect; an empty name list links every lamp the
// bridge knows.
func NewBridgeWriter(host, token string, names []string) *BridgeWriter {
	return &BridgeWriter{
		host:  host,
		token: token,
		names: names,
	}
}

// Connect reaches the bridge and resolves the linked lamps by name.
func (w *BridgeWriter) Connect(ctx context.Context) error {
	bridge := huego.New(w.host, w.token)
	if w.host == "" {
		discovered, err := huego.Discover()
		if err != nil {
			return fmt.Errorf("bridge discovery failed: %w", err)
		}
		bridge = discovered.Login(w.token)
		log.Info().Str("bridge", bridge.Host).Msg("Discovered Hue bridge")
	}

	lights, err := bridge.GetLights()
	if err != nil {
		return fmt.Errorf("failed to list lamps: %w", err)
	}

	selected := lights
	if len(w.names) > 0 {
		wanted := make(map[string]bool, len(w.names))
		for _, name := range w.names {
			wanted[strings.ToLower(name)] = true
		}
		selected = make([]huego.Light, 0, len(w.names))
		for _, light := range lights {
			if wanted[strings.ToLower(light.Name)] {
				selected = append(selected, light)
			}
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("no linked lamps found on bridge")
	}

	w.lights = selected

	names := make([]string, len(selected))
	for i := range selected {
		names[i] = selected[i].Name
	}
	log.Info().Strs("lamps", names).Msg("Linked fill lamps")

	return nil
}

// SetAll applies the state to every linked lamp. Off writes carry only
// the on flag; the bridge rejects color fields on a lamp being switched
// off.
func (w *BridgeWriter) SetAll(ctx context.Context, s LampState) error {
	state := huego.State{On: false}
	if s.On {
		state = huego.State{
			On:             true,
			Hue:            s.Hue,
			Bri:            s.Bri,
			Sat:            s.Sat,
			TransitionTime: 1,
		}
	}

	var firstErr error
	for i := range w.lights {
		if err := w.lights[i].SetState(state); err != nil {
			log.Warn().Err(err).Str("lamp", w.lights[i].Name).Msg("Failed to set lamp state")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
