package build

import "strings"

var (
	Version = "dev"
	AppName = "Maestro"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
