package driver

import (
	"os"
	"testing"

	"maestro/internal/acp/acptest"
)

func TestMain(m *testing.M) {
	if acptest.IsHelper() {
		os.Exit(acptest.ServeStdio())
	}
	os.Exit(m.Run())
}
