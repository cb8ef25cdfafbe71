// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompt turns a free-text brief into the structured prompt object the
// video models respond best to. It is a pure function over explicit lookup
// tables and has no dependency on the generation client.
package prompt

import (
	"strings"
	"unicode"
)

// Structured is a prompt object with a fixed set of fields. It serializes to
// the JSON object sent as the prompt text.
type Structured struct {
	Scene    string `json:"scene"`
	Camera   string `json:"camera"`
	Lighting string `json:"lighting"`
	Mood     string `json:"mood"`
	Style    string `json:"style"`
	Audio    string `json:"audio"`
}

// Map returns the structured prompt in the form GenerationRequest carries.
func (s Structured) Map() map[string]any {
	return map[string]any{
		"scene":    s.Scene,
		"camera":   s.Camera,
		"lighting": s.Lighting,
		"mood":     s.Mood,
		"style":    s.Style,
		"audio":    s.Audio,
	}
}

// rule maps any of its keywords to a phrase. Rules are checked in order and
// the first match wins, so more specific rules come first.
type rule struct {
	keywords []string
	phrase   string
}

var cameraRules = []rule{
	{[]string{"drone", "aerial", "overhead", "bird's eye"}, "smooth aerial drone shot descending toward the subject"},
	{[]string{"close-up", "closeup", "detail", "macro"}, "slow push-in to a close-up with shallow depth of field"},
	{[]string{"walk", "walking", "follow", "through"}, "steady tracking shot following the action at eye level"},
	{[]string{"reveal", "unveil", "before and after"}, "slow dolly-in ending on the reveal"},
	{[]string{"wide", "landscape", "street", "exterior"}, "wide establishing shot with a gentle pan"},
}

var lightingRules = []rule{
	{[]string{"sunset", "golden hour", "dusk"}, "warm golden hour sunlight with long soft shadows"},
	{[]string{"morning", "sunrise", "dawn"}, "soft early morning light through the windows"},
	{[]string{"night", "evening", "dark"}, "low-key evening light with warm practical lamps"},
	{[]string{"storm", "rain", "flood"}, "overcast diffuse light with a cool blue cast"},
	{[]string{"studio", "product"}, "clean three-point studio lighting on a seamless backdrop"},
}

var moodRules = []rule{
	{[]string{"storm", "flood", "fire", "accident", "damage"}, "tense at first, resolving into relief and reassurance"},
	{[]string{"family", "home", "kids", "children"}, "warm, safe, homely"},
	{[]string{"celebrat", "party", "launch", "new"}, "upbeat, optimistic, celebratory"},
	{[]string{"calm", "quiet", "peaceful", "relax"}, "calm, serene, unhurried"},
}

var settingRules = []rule{
	{[]string{"kitchen"}, "a bright modern kitchen"},
	{[]string{"living room", "sofa", "couch"}, "a cosy living room"},
	{[]string{"house", "home", "exterior"}, "a freshly painted suburban house"},
	{[]string{"office", "desk"}, "a light, open-plan office"},
	{[]string{"car", "road", "drive"}, "a quiet tree-lined road"},
}

var audioRules = []rule{
	{[]string{"dialogue", "says", "talking", "voice"}, "natural dialogue with light room tone"},
	{[]string{"music", "upbeat", "celebrat"}, "upbeat acoustic music, no dialogue"},
	{[]string{"storm", "rain"}, "rain and distant thunder, swelling to a gentle piano score"},
}

const (
	defaultCamera   = "slow cinematic dolly with a steady horizon"
	defaultLighting = "natural soft daylight"
	defaultMood     = "calm, reassuring, confident"
	defaultStyle    = "cinematic commercial, shallow depth of field, 35mm look"
	defaultAudio    = "gentle ambient score, no dialogue"
)

// Enrich builds a structured prompt from free text. The text itself becomes
// the scene; a recognised setting that the text does not already name is
// appended to it. Fields without a matching keyword get neutral defaults.
//
// Inputs:
//   - text: The free-text brief.
//
// Outputs:
//   - Structured: The structured prompt. Enrich never fails; empty text yields
//     only defaults with an empty scene.
func Enrich(text string) Structured {
	scene := strings.TrimSpace(text)
	lower := strings.ToLower(scene)

	if setting := match(lower, settingRules, ""); setting != "" && !strings.Contains(lower, lastWord(setting)) {
		scene = strings.TrimRightFunc(scene, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) }) + ", in " + setting
	}
	return Structured{
		Scene:    scene,
		Camera:   match(lower, cameraRules, defaultCamera),
		Lighting: match(lower, lightingRules, defaultLighting),
		Mood:     match(lower, moodRules, defaultMood),
		Style:    defaultStyle,
		Audio:    match(lower, audioRules, defaultAudio),
	}
}

func match(text string, rules []rule, fallback string) string {
	for _, r := range rules {
		for _, k := range r.keywords {
			if strings.Contains(text, k) {
				return r.phrase
			}
		}
	}
	return fallback
}

func lastWord(phrase string) string {
	fields := strings.Fields(phrase)
	if len(fields) == 0 {
		return phrase
	}
	return fields[len(fields)-1]
}
