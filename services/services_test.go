package services

import (
	"errors"
	"testing"

	"zombiefinder/kernel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupLoadsOnce(t *testing.T) {
	calls := 0
	s := New(func() (map[kernel.ProcessID][]Service, error) {
		calls++
		return map[kernel.ProcessID][]Service{
			800: {{Name: "Dhcp", DisplayName: "DHCP Client"}, {Name: "EventLog", DisplayName: "Windows Event Log"}},
		}, nil
	})

	svcs, err := s.Lookup(800)
	require.NoError(t, err)
	require.Len(t, svcs, 2)
	assert.Equal(t, "Dhcp", svcs[0].Name)

	svcs, err = s.Lookup(900)
	require.NoError(t, err)
	assert.Empty(t, svcs)
	assert.Equal(t, 1, calls)
}

func TestLookupRemembersFailure(t *testing.T) {
	failure := errors.New("access denied")
	calls := 0
	s := New(func() (map[kernel.ProcessID][]Service, error) {
		calls++
		return nil, failure
	})

	_, err := s.Lookup(1)
	require.ErrorIs(t, err, failure)
	_, err = s.Lookup(2)
	require.ErrorIs(t, err, failure)
	assert.Equal(t, 1, calls)

	_, err = s.PIDs()
	assert.ErrorIs(t, err, failure)
}

func TestPIDsAscending(t *testing.T) {
	s := FromMap(map[kernel.ProcessID][]Service{
		900: {{Name: "Spooler", DisplayName: "Print Spooler"}},
		800: {{Name: "Dhcp", DisplayName: "DHCP Client"}},
	})

	pids, err := s.PIDs()
	require.NoError(t, err)
	assert.Equal(t, []kernel.ProcessID{800, 900}, pids)
}

func TestSystemLoads(t *testing.T) {
	_, err := System().PIDs()
	assert.NoError(t, err)
}
