// Package manifest reads and checks the web application descriptor.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmgilman/go/errors"
)

// ContentType is the media type the descriptor must be served with.
const ContentType = "application/manifest+json"

// RequiredIconSizes are the raster sizes every descriptor must declare.
var RequiredIconSizes = []string{"192x192", "384x384", "512x512"}

var displayModes = map[string]bool{
	"fullscreen": true,
	"standalone": true,
	"minimal-ui": true,
	"browser":    true,
}

type Icon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

type Descriptor struct {
	Name            string `json:"name"`
	ShortName       string `json:"short_name"`
	StartURL        string `json:"start_url"`
	Display         string `json:"display"`
	ThemeColor      string `json:"theme_color,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	Icons           []Icon `json:"icons"`
}

func Parse(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return d, errors.Wrap(err, errors.CodeInvalidInput, "descriptor is not valid JSON")
	}
	return d, nil
}

// Validate returns an error listing every problem with the descriptor.
func (d Descriptor) Validate() error {
	var problems []string
	if d.Name == "" {
		problems = append(problems, "name is missing")
	}
	if d.ShortName == "" {
		problems = append(problems, "short_name is missing")
	}
	if d.StartURL == "" {
		problems = append(problems, "start_url is missing")
	}
	if d.Display != "" && !displayModes[d.Display] {
		problems = append(problems, fmt.Sprintf("display %q is not a display mode", d.Display))
	}
	if len(d.Icons) == 0 {
		problems = append(problems, "icons are missing")
	} else if missing := d.MissingIconSizes(); len(missing) > 0 {
		problems = append(problems, "missing icon sizes: "+strings.Join(missing, ", "))
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.WithContext(
		errors.New(errors.CodeSchemaFailed, strings.Join(problems, "; ")),
		"problems", len(problems),
	)
}

// MissingIconSizes returns the required sizes no icon declares.
// An icon may declare several space-separated sizes.
func (d Descriptor) MissingIconSizes() []string {
	declared := map[string]bool{}
	for _, icon := range d.Icons {
		for _, size := range strings.Fields(icon.Sizes) {
			declared[strings.ToLower(size)] = true
		}
	}
	var missing []string
	for _, size := range RequiredIconSizes {
		if !declared[size] {
			missing = append(missing, size)
		}
	}
	return missing
}

// IconFor returns the icon declaring the given size.
func (d Descriptor) IconFor(size string) (Icon, bool) {
	for _, icon := range d.Icons {
		for _, s := range strings.Fields(icon.Sizes) {
			if strings.EqualFold(s, size) {
				return icon, true
			}
		}
	}
	return Icon{}, false
}
