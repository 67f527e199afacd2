package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rentwise/rentwise/internal/app"
	_ "github.com/rentwise/rentwise/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	require.NotPanics(t, main)
}
