package style

import "strings"

type NamedOption struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type preset struct {
	Name string
	Add  []string
}

var presets = map[string]preset{
	"cinematic_film": {
		Name: "Cinematic Film",
		Add:  []string{"cinematic still", "anamorphic lens", "35mm film grain", "dramatic key light", "teal and orange grade"},
	},
	"watercolor_storybook": {
		Name: "Watercolor Storybook",
		Add:  []string{"watercolor illustration", "soft paper texture", "muted pastel palette", "gentle diffused light"},
	},
	"anime_cel": {
		Name: "Anime Cel",
		Add:  []string{"anime style", "cel-shaded", "clean line art", "vibrant colors", "expressive characters"},
	},
	"dark_premium": {
		Name: "Dark Premium",
		Add:  []string{"low-key lighting", "deep shadows", "rich blacks", "subtle rim light", "moody atmosphere"},
	},
	"high_key_clean": {
		Name: "High-Key Clean",
		Add:  []string{"bright high-key lighting", "white backdrop", "minimal shadows", "clean composition"},
	},
	"documentary_photo": {
		Name: "Documentary Photo",
		Add:  []string{"photojournalism", "natural light", "candid framing", "realistic detail", "shallow depth of field"},
	},
	"monochrome_graphic": {
		Name: "Monochrome Graphic",
		Add:  []string{"black and white", "high contrast", "graphic shapes", "ink texture"},
	},
	"fantasy_surreal": {
		Name: "Fantasy Surreal",
		Add:  []string{"surreal fantasy art", "dreamlike lighting", "floating elements", "painterly detail", "ethereal glow"},
	},
	"flat_vector": {
		Name: "Flat Vector",
		Add:  []string{"flat vector illustration", "bold solid colors", "simple geometric shapes", "no gradients"},
	},
	"retro_comic": {
		Name: "Retro Comic",
		Add:  []string{"retro comic book art", "halftone dots", "bold outlines", "limited palette"},
	},
}

var presetOrder = []string{
	"cinematic_film",
	"watercolor_storybook",
	"anime_cel",
	"dark_premium",
	"high_key_clean",
	"documentary_photo",
	"monochrome_graphic",
	"fantasy_surreal",
	"flat_vector",
	"retro_comic",
}

func Presets() []NamedOption {
	out := make([]NamedOption, 0, len(presetOrder)+1)
	out = append(out, NamedOption{Key: "", Name: "None"})
	for _, key := range presetOrder {
		if p, ok := presets[key]; ok {
			out = append(out, NamedOption{Key: key, Name: p.Name})
		}
	}
	return out
}

// Preset returns the keyword string for a preset key.
func Preset(key string) (string, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return "", false
	}
	return strings.Join(p.Add, ", "), true
}

// Keywords combines a preset (if any) with free-text keywords.
func Keywords(presetKey, keywords string) string {
	kw, _ := Preset(presetKey)
	return Merge(kw, keywords)
}
