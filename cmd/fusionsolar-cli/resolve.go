package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joshp123/gohome-fusionsolar/plugins/fusionsolar"
)

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	name = replacer.Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

// resolvePlantID accepts a plant ID or a plant name in any spelling
// normalizeName folds together.
func resolvePlantID(input string, plants []fusionsolar.PlantInfo) (string, error) {
	needle := normalizeName(input)
	for _, plant := range plants {
		if plant.PlantID == strings.TrimSpace(input) || normalizeName(plant.Name) == needle {
			return plant.PlantID, nil
		}
	}

	available := make([]string, 0, len(plants))
	for _, plant := range plants {
		available = append(available, plant.Name)
	}
	sort.Strings(available)
	return "", fmt.Errorf("plant %q not found. Available: %s", input, strings.Join(available, ", "))
}
