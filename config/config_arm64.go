package config

var archReadableFiles = []string{
	"/lib/aarch64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
}
