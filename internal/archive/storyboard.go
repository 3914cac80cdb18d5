package archive

import (
	"storyboard-studio/internal/pipeline"
	"storyboard-studio/internal/prompt"
)

// Storyboard lists the successful images of a run followed by prompts.txt.
// It returns nil when no image succeeded.
func Storyboard(results []pipeline.Result, prompts []prompt.Prompt) []File {
	seen := make(map[string]int)
	var files []File
	for _, res := range results {
		if !res.OK() {
			continue
		}
		files = append(files, File{
			Name: FileName(res.ID, res.MimeType, seen),
			Data: res.Image,
		})
	}
	if len(files) == 0 {
		return nil
	}
	return append(files, File{Name: "prompts.txt", Data: []byte(prompt.Format(prompts) + "\n")})
}
