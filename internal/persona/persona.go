// Package persona holds the bot's fixed voice: the system instruction given
// to the backend and the canned replies the dispatcher sends itself.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Persona struct {
	SystemInstruction string `yaml:"system_instruction"`
	Greeting          string `yaml:"greeting"`
}

func Default() Persona {
	return Persona{
		SystemInstruction: "You are FIT AI, a personal fitness coach and nutritionist. " +
			"Help the user reach their fitness goals with a scientific, safe and motivating approach. " +
			"Ask about their goals, limitations and training environment before giving detailed plans.",
		Greeting: "👋 Hi! I'm your *FIT AI*. I can help you with training and nutrition. " +
			"To get started, tell me about your *goals*, any *limitations*, and *where you train*.",
	}
}

// Load reads a persona YAML file. Fields left empty in the file keep their
// defaults; an empty path returns the defaults outright.
func Load(path string) (Persona, error) {
	p := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("persona: read %s: %w", path, err)
	}
	var loaded Persona
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return p, fmt.Errorf("persona: parse %s: %w", path, err)
	}
	if strings.TrimSpace(loaded.SystemInstruction) != "" {
		p.SystemInstruction = loaded.SystemInstruction
	}
	if strings.TrimSpace(loaded.Greeting) != "" {
		p.Greeting = loaded.Greeting
	}
	return p, nil
}
