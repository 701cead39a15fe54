// Package script holds the narration prompt templates.
//
// A template pairs a system prompt (the DJ persona) with a per-transition user
// prompt. Both are text/template documents rendered against the template's
// default parameters merged with the operator's overrides, so a deployment can
// rename the station or switch the language without touching code.
package script

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/MrWong99/segue/internal/mpd"
)

// Params are template substitution values.
type Params map[string]string

// Template is a named pair of prompt documents.
type Template struct {
	Name     string
	System   string
	Prompt   string
	Defaults Params
}

// Context is the per-transition data rendered into the user prompt.
type Context struct {
	// Date is the projected moment of the transition, not "now": the clip
	// plays when the current song ends.
	Date time.Time

	// Previous and Next are the rendered tag blocks of the outgoing and
	// incoming songs.
	Previous string
	Next string

	// Recent holds prior announcements, newest last. Empty when the history
	// store is disabled.
	Recent []string
}

// transitionPrompt is the per-transition user prompt shared by the built-in
// templates; only the persona differs between them.
const transitionPrompt = `Date: {{.date}}
Previous: {{.prev}}
Next: {{.next}}
{{if .recent}}
Your most recent announcements, oldest first. Do not repeat yourself:
{{.recent}}{{end}}`

// defaultTemplate is the built-in radio-moderator persona.
var defaultTemplate = Template{
	Name: "default",
	System: `Your name is {{.name}}. You are a moderator working with {{.station}}, a local radio station received in {{.location}}, {{.region}}.
You are good with words. Puns, rhymes and playing with words is one of your specialties.

You will see information about the previous and next song being played.
Present the upcoming song. If you are being shown the coverart of the next song, make a detailed description of the artwork part of your announcement.
If you know about the artist or label, also add information about them to your song introduction.
If you can acquire information about the local environment, like weather or celestial events, make them a part of your moderation, but be brief about it.

Your native tongue is {{.language}} which is also what your audience knows best.
`,
	Prompt: transitionPrompt,
	Defaults: Params{
		"name":     "Nova",
		"station":  "Radio Mario",
		"location": "Graz",
		"region":   "Austria",
		"language": "austrian german",
	},
}

// terseTemplate trades the banter for station-ident brevity. Suited to
// spoken-word or classical streams where a long interruption grates.
var terseTemplate = Template{
	Name: "terse",
	System: `Your name is {{.name}}, the station voice of {{.station}}.
Announce the upcoming song in at most two short sentences: artist and title, plus one remark only if something about the song is genuinely remarkable.
No puns, no weather, no descriptions of artwork.

Speak {{.language}}.
`,
	Prompt: transitionPrompt,
	Defaults: Params{
		"name":     "Nova",
		"station":  "Radio Mario",
		"language": "austrian german",
	},
}

// templates are the built-in personas, selectable via narrate.template.
var templates = map[string]Template{
	defaultTemplate.Name: defaultTemplate,
	terseTemplate.Name:   terseTemplate,
}

// Lookup returns the template with the given name. The empty name selects the
// default template.
func Lookup(name string) (Template, error) {
	if name == "" {
		return defaultTemplate, nil
	}
	if t, ok := templates[name]; ok {
		return t, nil
	}
	return Template{}, fmt.Errorf("script: unknown template %q", name)
}

// Render produces the system and user prompts for one transition. params
// override the template's defaults key by key.
func (t Template) Render(ctx Context, params Params) (system, prompt string, err error) {
	vars := make(map[string]any, len(t.Defaults)+len(params)+4)
	for k, v := range t.Defaults {
		vars[k] = v
	}
	for k, v := range params {
		vars[k] = v
	}
	vars["date"] = ctx.Date.Format("2006-01-02 15:04 Monday")
	vars["prev"] = ctx.Previous
	vars["next"] = ctx.Next
	vars["recent"] = strings.Join(ctx.Recent, "\n---\n")

	system, err = render(t.Name+":system", t.System, vars)
	if err != nil {
		return "", "", err
	}
	prompt, err = render(t.Name+":prompt", t.Prompt, vars)
	if err != nil {
		return "", "", err
	}
	return system, prompt, nil
}

func render(name, text string, vars map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("script: parse %s: %w", name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("script: render %s: %w", name, err)
	}
	return sb.String(), nil
}

// internalTags are queue bookkeeping keys stripped before a song is shown to
// the model. The model should reason about the music, not playlist positions.
var internalTags = map[string]bool{
	"duration":      true,
	"format":        true,
	"id":            true,
	"last-modified": true,
	"pos":           true,
	"prio":          true,
	"time":          true,
}

// DescribeSong renders a song's public tags as "Key: value" lines for the
// prompt, sorted for stable output.
func DescribeSong(song mpd.Song) string {
	keys := make([]string, 0, len(song.Tags))
	for k := range song.Tags {
		if internalTags[strings.ToLower(k)] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, song.Tags[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}
