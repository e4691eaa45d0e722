package server

const (
	// Product is the server token advertised in the Server header.
	Product = "httpcore"
	// Version is the release version of the engine.
	Version = "0.1.0"
)

// Signature returns the Server header value, "<product>(<version>)".
func Signature() string {
	return Product + "(" + Version + ")"
}
