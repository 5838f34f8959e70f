package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name     string
	startErr error
	log      *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Start(context.Context) error {
	if r.startErr != nil {
		return r.startErr
	}
	*r.log = append(*r.log, "start "+r.name)
	return nil
}

func (r *recorder) Stop(context.Context) error {
	*r.log = append(*r.log, "stop "+r.name)
	return nil
}

func TestManager_Order(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recorder{name: "a", log: &log}))
	require.NoError(t, m.Register(&recorder{name: "b", log: &log}))
	assert.Error(t, m.Register(&recorder{name: "a", log: &log}), "duplicate names are rejected")

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Register(&recorder{name: "c", log: &log}), "registration closes after start")
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
	assert.Len(t, m.Services(), 2)
}

func TestManager_StartFailureRollsBack(t *testing.T) {
	var log []string
	m := NewManager()
	require.NoError(t, m.Register(&recorder{name: "a", log: &log}))
	require.NoError(t, m.Register(&recorder{name: "b", startErr: errors.New("port in use"), log: &log}))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.Equal(t, []string{"start a", "stop a"}, log)
}
