// Package domain contains the core entities and the ports the application
// talks to.
package domain

// Instance is the immutable configuration of one shared scale.
type Instance struct {
	Name      string  `json:"name"`
	Source    string  `json:"source"`
	Threshold float64 `json:"weightDifferenceThreshold"`
}

// IDSafeName is the instance name in a form usable inside identifiers.
func (i Instance) IDSafeName() string {
	return Slug(i.Name)
}
