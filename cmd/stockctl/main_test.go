package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestWarehouseFlag(t *testing.T) {
	fs := pflag.NewFlagSet("trigger", pflag.ContinueOnError)
	warehouses := fs.Int64Slice("warehouses", nil, "")
	require.NoError(t, fs.Parse([]string{"--warehouses", "1,2", "--warehouses=3"}))

	ids, err := validIDs(*warehouses)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	_, err = validIDs([]int64{4, 0})
	require.Error(t, err)

	ids, err = validIDs(nil)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestUnknownCommand(t *testing.T) {
	require.Equal(t, 2, run(t.Context(), nil, nil, "explode", nil))
}
