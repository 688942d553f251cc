package elftest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// EntriesDecl declares the C struct of the offload entries, for sources given to CompileSharedObject.
// Tables are declared with the OFFLOAD_ENTRIES attribute, e.g.:
//
//	OFFLOAD_ENTRIES struct offload_entry entries[] = {{(void *)kernel, "kernel", 0, 0, 0}};
const EntriesDecl = `
#include <stddef.h>
#include <stdint.h>

struct offload_entry {
	void *addr;
	char *name;
	size_t size;
	int32_t flags;
	int32_t reserved;
};

#define OFFLOAD_ENTRIES __attribute__((section("` + EntriesSectionName + `"), used))
`

// CompileSharedObject compiles the C source into a shared object with the system C compiler, and returns
// its contents. The test is skipped if there is no C compiler ($CC, gcc or cc) in the PATH.
func CompileSharedObject(t testing.TB, source string) []byte {
	t.Helper()
	var compiler string
	for _, candidate := range []string{os.Getenv("CC"), "gcc", "cc"} {
		if candidate == "" {
			continue
		}
		if path, err := exec.LookPath(candidate); err == nil {
			compiler = path
			break
		}
	}
	if compiler == "" {
		t.Skip("no C compiler found, set $CC to run this test")
	}

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "image.c")
	soPath := filepath.Join(dir, "image.so")
	if err := os.WriteFile(srcPath, []byte(EntriesDecl+source), 0o644); err != nil {
		t.Fatalf("failed to write %q: %v", srcPath, err)
	}
	cmd := exec.Command(compiler, "-shared", "-fPIC", "-O1", "-o", soPath, srcPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to compile %q with %s: %v\n%s", srcPath, compiler, err, output)
	}
	contents, err := os.ReadFile(soPath)
	if err != nil {
		t.Fatalf("failed to read %q: %v", soPath, err)
	}
	return contents
}
