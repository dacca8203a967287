package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// URLFile is the YAML form of a url list. A bare top-level sequence is also
// accepted.
type URLFile struct {
	URLs []string `yaml:"urls"`
}

func LoadURLs(path string) ([]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is given by the operator
	if err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return parseURLs(data)
}

func parseURLs(data []byte) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse url file: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	var raw []string
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse url file: %w", err)
		}
	default:
		var f URLFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse url file: %w", err)
		}
		raw = f.URLs
	}

	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}
