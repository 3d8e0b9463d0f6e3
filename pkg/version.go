package pkg

// Version is set at build time with -ldflags "-X github.com/gematik/zero-login/pkg.Version=...".
var Version = "dev"
