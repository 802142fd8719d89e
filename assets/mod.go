package assets

import (
	"embed"
	"text/template"
)

//go:embed templates/*
var templatesFS embed.FS

//go:embed statics/*
var Statics embed.FS

var Templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

const defaultSpacePath = "statics/space.yaml"

// DefaultSpace returns the tuning parameter space used when none is given.
func DefaultSpace() []byte {
	data, err := Statics.ReadFile(defaultSpacePath)
	if err != nil {
		panic(err)
	}
	return data
}

type RunTemplate struct {
	Design   string
	Platform string
	Variant  string
	Stages   []RunStageTemplate
}

type RunStageTemplate struct {
	Stage    string
	Status   string
	Duration string
	Output   string
}

type TuneTemplate struct {
	Campaign   string
	Design     string
	Platform   string
	Parameters []string
	Objectives []string
	Trials     []TuneTrialTemplate
	Best       []TuneBestTemplate
}

type TuneTrialTemplate struct {
	Number     int
	Status     string
	Parameters []string
	Objectives []string
}

type TuneBestTemplate struct {
	Objective string
	Value     string
	Trial     int
	Config    string
}
