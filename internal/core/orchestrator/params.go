package orchestrator

import (
	"github.com/markdave123-py/Sprout/internal/core"
	"github.com/markdave123-py/Sprout/internal/models"
)

// Generation parameters are fixed per age group and never taken from callers.
var chatParams = map[models.AgeGroup]core.GenerationConfig{
	models.AgeGroupYoung: {MaxOutputTokens: 300, Temperature: 0.6},
	models.AgeGroupOlder: {MaxOutputTokens: 800, Temperature: 0.8},
}

var selectionParams = map[models.AgeGroup]core.GenerationConfig{
	models.AgeGroupYoung: {MaxOutputTokens: 150, Temperature: 0.5},
	models.AgeGroupOlder: {MaxOutputTokens: 400, Temperature: 0.7},
}

var structuredParams = core.GenerationConfig{MaxOutputTokens: 4096, Temperature: 0.3, JSON: true}

func paramsFor(table map[models.AgeGroup]core.GenerationConfig, age models.AgeGroup) core.GenerationConfig {
	if p, ok := table[age]; ok {
		return p
	}
	return table[models.AgeGroupYoung]
}

func normaliseAge(age models.AgeGroup) models.AgeGroup {
	if age == models.AgeGroupOlder {
		return age
	}
	return models.AgeGroupYoung
}
