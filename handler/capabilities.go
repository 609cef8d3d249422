package handler

import "sort"

// Callback capability names reported by CallbackTable.Capabilities.
const (
	CapOpen   = "open"
	CapText   = "text"
	CapBinary = "binary"
	CapClose  = "close"
	CapError  = "error"
)

type capabilities struct {
	// use a map as a poor-man's set
	capabilities map[string]bool
}

func emptyCapabilities() *capabilities {
	return &capabilities{
		capabilities: make(map[string]bool),
	}
}

func (caps *capabilities) List() []string {
	rv := make([]string, 0, len(caps.capabilities))
	for c := range caps.capabilities {
		rv = append(rv, c)
	}
	sort.Strings(rv)
	return rv
}

func (caps *capabilities) Add(c string) {
	caps.capabilities[c] = true
}

func (caps *capabilities) Has(c string) bool {
	_, has := caps.capabilities[c]
	return has
}
