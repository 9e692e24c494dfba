//go:build llama

package llamacpp

// Link against libllama placed next to the binary (./bin) at build time and
// resolve it from the binary's own directory at run time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
