//go:build !windows

package services

import "zombiefinder/kernel"

// loadSystem has no service control manager to ask
func loadSystem() (map[kernel.ProcessID][]Service, error) {
	return map[kernel.ProcessID][]Service{}, nil
}
