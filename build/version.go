package build

// commit is the git revision this binary was built from, injected through
// -ldflags at build time
var commit string

// Version returns the git revision of this build, or "dev" for binaries
// built without the release ldflags
func Version() string {
	if commit == "" {
		return "dev"
	}
	return commit
}
