package tts

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed voices.yaml
var defaultCatalog []byte

const (
	GenderMale   = "Male"
	GenderFemale = "Female"
)

type Language struct {
	Code string `yaml:"code" json:"code" validate:"required"`
	Name string `yaml:"name" json:"name" validate:"required"`
}

// GenderVoices maps Male/Female to a provider voice.
type GenderVoices map[string]string

type ProviderVoices struct {
	Default   GenderVoices            `yaml:"default" validate:"required"`
	Languages map[string]GenderVoices `yaml:"languages"`
}

type catalogFile struct {
	Languages []Language                `yaml:"languages" validate:"required,dive"`
	Providers map[string]ProviderVoices `yaml:"providers" validate:"required"`
}

// Catalog resolves the synthesis voice for a target language and gender.
type Catalog struct {
	provider  string
	languages []Language
	voices    ProviderVoices
	known     map[string]struct{}
}

// LoadCatalog reads the catalog at path, or the embedded one when path is
// empty, and selects the voices of provider.
func LoadCatalog(path, provider string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("voice catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data, provider)
}

func ParseCatalog(data []byte, provider string) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("voice catalog: parse: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("voice catalog: invalid: %w", err)
	}
	pv, ok := f.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("voice catalog: no voices for provider %q", provider)
	}
	if pv.Default[GenderMale] == "" || pv.Default[GenderFemale] == "" {
		return nil, fmt.Errorf("voice catalog: provider %q needs Male and Female defaults", provider)
	}

	c := &Catalog{provider: provider, languages: f.Languages, voices: pv, known: map[string]struct{}{}}
	for _, v := range pv.Default {
		c.known[v] = struct{}{}
	}
	for _, gv := range pv.Languages {
		for _, v := range gv {
			c.known[v] = struct{}{}
		}
	}
	return c, nil
}

// Resolve picks the voice for a target. A requested voice wins when it is one
// of the provider's catalog voices; otherwise the language entry for gender is
// used, then the provider default. Unknown genders resolve as Male.
func (c *Catalog) Resolve(lang, gender, requested string) string {
	if _, ok := c.known[requested]; ok {
		return requested
	}
	if !strings.EqualFold(gender, GenderFemale) {
		gender = GenderMale
	} else {
		gender = GenderFemale
	}
	if gv, ok := c.voices.Languages[strings.ToLower(lang)]; ok && gv[gender] != "" {
		return gv[gender]
	}
	return c.voices.Default[gender]
}

// LanguageName returns the display name for code, or "" when unknown.
func (c *Catalog) LanguageName(code string) string {
	for _, l := range c.languages {
		if strings.EqualFold(l.Code, code) {
			return l.Name
		}
	}
	return ""
}

// View is the public shape of the catalog served over HTTP.
type View struct {
	Provider  string         `json:"provider"`
	Languages []LanguageView `json:"languages"`
}

type LanguageView struct {
	Language
	Voices GenderVoices `json:"voices"`
}

func (c *Catalog) View() View {
	v := View{Provider: c.provider}
	for _, l := range c.languages {
		v.Languages = append(v.Languages, LanguageView{
			Language: l,
			Voices: GenderVoices{
				GenderMale:   c.Resolve(l.Code, GenderMale, ""),
				GenderFemale: c.Resolve(l.Code, GenderFemale, ""),
			},
		})
	}
	sort.SliceStable(v.Languages, func(i, j int) bool { return v.Languages[i].Code < v.Languages[j].Code })
	return v
}
