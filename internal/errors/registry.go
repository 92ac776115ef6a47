package errors

import "sort"

// Template is the registered text for an error code.
type Template struct {
	Category Category
	Message  string
	Detail   string
}

var registry = map[string]Template{
	// Config (H001-H019)
	"H001": {
		Category: CategoryConfig,
		Message:  "Config file not found",
		Detail:   "No h2mux.json was found at the given path. Run without --config to use the defaults, or create the file.",
	},
	"H002": {
		Category: CategoryConfig,
		Message:  "Invalid config file",
		Detail:   "The config file is not valid JSON.",
	},
	"H003": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "A configuration value is out of range. HTTP/2 bounds apply: frame sizes between 16384 and 16777215, windows up to 2147483647.",
	},
	"H004": {
		Category: CategoryConfig,
		Message:  "Cannot write config file",
	},

	// CLI (H020-H039)
	"H020": {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},

	// Transport (H040-H059)
	"H040": {
		Category: CategoryTransport,
		Message:  "Cannot listen",
		Detail:   "The server could not bind its listen address. Another process may be using the port.",
	},
	"H041": {
		Category: CategoryTransport,
		Message:  "Cannot connect",
	},
	"H042": {
		Category: CategoryTransport,
		Message:  "Admin server failed",
		Detail:   "The HTTP server for /metrics, /healthz and /ws stopped with an error.",
	},

	// Capture (H060-H079)
	"H060": {
		Category: CategoryCapture,
		Message:  "Cannot open capture sink",
	},
	"H061": {
		Category: CategoryCapture,
		Message:  "Cannot load AWS configuration",
		Detail:   "S3 capture uploads use the default AWS credential chain: environment, shared config files, then instance roles.",
	},
	"H062": {
		Category: CategoryCapture,
		Message:  "Cannot read capture file",
	},

	// Protocol (H080-H099)
	"H080": {
		Category: CategoryProtocol,
		Message:  "Connection error",
		Detail:   "The peer violated the protocol and the connection was closed with GOAWAY.",
	},
}

// GetAllCodes returns the registered codes in order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func GetTemplate(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds or replaces a template.
func Register(code string, t Template) {
	registry[code] = t
}
