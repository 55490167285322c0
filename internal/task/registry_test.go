package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, inv *Invocation) (any, error) {
	return nil, nil
}

func TestRegistryRegister(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Registration{
		Name:    "export_work_logs",
		Handler: noopHandler,
		Queue:   "export",
	})
	require.NoError(t, err)

	reg, ok := registry.Lookup("export_work_logs")
	assert.True(t, ok)
	assert.Equal(t, "export", reg.Queue)
}

func TestRegistryRegisterDefaultsQueue(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Registration{Name: "cleanup", Handler: noopHandler})
	require.NoError(t, err)

	reg, ok := registry.Lookup("cleanup")
	require.True(t, ok)
	assert.Equal(t, DefaultQueue, reg.Queue)
}

func TestRegistryRegisterValidation(t *testing.T) {
	registry := NewRegistry()

	// Missing name
	err := registry.Register(Registration{Handler: noopHandler})
	assert.Error(t, err)

	// Missing handler
	err = registry.Register(Registration{Name: "broken"})
	assert.Error(t, err)

	// Duplicate name
	require.NoError(t, registry.Register(Registration{Name: "dup", Handler: noopHandler}))
	err = registry.Register(Registration{Name: "dup", Handler: noopHandler})
	assert.Error(t, err)
}

func TestRegistryLookupUnknown(t *testing.T) {
	registry := NewRegistry()

	_, ok := registry.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryNamesSorted(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Registration{Name: "b", Handler: noopHandler}))
	require.NoError(t, registry.Register(Registration{Name: "a", Handler: noopHandler}))
	require.NoError(t, registry.Register(Registration{Name: "c", Handler: noopHandler}))

	assert.Equal(t, []string{"a", "b", "c"}, registry.Names())
}

func TestInvocationBind(t *testing.T) {
	inv := &Invocation{Payload: []byte(`{"start":"2024-01-01"}`)}

	var args struct {
		Start string `json:"start"`
	}
	require.NoError(t, inv.Bind(&args))
	assert.Equal(t, "2024-01-01", args.Start)
}

func TestInvocationBindEmptyPayload(t *testing.T) {
	inv := &Invocation{}

	var args struct{}
	assert.NoError(t, inv.Bind(&args))
}

func TestInvocationBindInvalidPayload(t *testing.T) {
	inv := &Invocation{Payload: []byte(`{not json`)}

	var args struct{}
	err := inv.Bind(&args)
	require.Error(t, err)
	assert.Equal(t, ClassPermanent, Classify(err))
}
