package version

// Version is the server version reported by /health.
const Version = "0.2.0"
