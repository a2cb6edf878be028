package config

import "time"

// DefaultStages is the short-form video pipeline used when the config
// file lists no stages. Command stages expect the collaborator scripts
// under scripts/.
func DefaultStages() []StageConfig {
	return []StageConfig{
		{
			Name: "outline",
			Kind: "llm",
			LLM: LLMStageConfig{
				System: "You plan short vertical videos. Answer in Markdown.",
				Prompt: "Write a beat-by-beat outline for a {{.Job.Config.Target.DurationSec}} second video about {{.Job.Config.Slug}}.\n" +
					"Intent: {{.Job.Config.Intent}}\n{{with .Job.Config.Brief}}Brief:\n{{.}}\n{{end}}",
				Output: "outline.md",
				Kind:   "outline",
			},
		},
		{
			Name:   "script",
			Kind:   "llm",
			Inputs: []string{"outline"},
			LLM: LLMStageConfig{
				System: "You write narration scripts for short videos. Plain text, no stage directions.",
				Prompt: "Turn this outline into a narration script.\n\n{{index .Inputs \"outline\"}}",
				Output: "script.txt",
				Kind:   "script",
			},
		},
		{
			Name:   "storyboard",
			Kind:   "llm",
			Inputs: []string{"script"},
			LLM: LLMStageConfig{
				System: "You produce storyboards as a JSON array of scenes with text, visual and duration_sec fields.",
				Prompt: "Storyboard this script for a {{.Job.Config.Target.Aspect}} video.\n\n{{index .Inputs \"script\"}}",
				Output: "storyboard.json",
				Kind:   "storyboard",
			},
		},
		{
			Name:    "assets",
			Command: "scripts/assets.sh",
			Inputs:  []string{"storyboard"},
			Outputs: []OutputConfig{{Kind: "asset", Glob: "*"}},
			Timeout: 10 * time.Minute,
		},
		{
			Name:    "tts",
			Command: "scripts/tts.sh",
			Inputs:  []string{"script"},
			Outputs: []OutputConfig{{Kind: "audio", Glob: "*.wav"}},
			Timeout: 10 * time.Minute,
		},
		{
			Name:    "render",
			Command: "scripts/render.sh",
			Inputs:  []string{"storyboard", "asset", "audio"},
			Outputs: []OutputConfig{{Kind: "video", Glob: "*.mp4"}},
			Timeout: 30 * time.Minute,
		},
		{
			Name:    "qa",
			Command: "scripts/qa.sh",
			Inputs:  []string{"video"},
			Outputs: []OutputConfig{{Kind: "report", Glob: "report.json"}},
			Timeout: 5 * time.Minute,
		},
	}
}
