package render

import (
	"os"
	"testing"

	"github.com/faiface/mainthread"
)

// glfw needs the process main thread, so the tests run beside it
func TestMain(m *testing.M) {
	var code int
	mainthread.Run(func() {
		code = m.Run()
	})
	os.Exit(code)
}
