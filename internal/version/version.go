package version

// VERSION and Commit are stamped at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)
