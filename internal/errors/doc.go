// Package errors provides structured, actionable errors for the h2mux
// command line.
//
// Every error has a code (e.g. "H002") registered with a category, a
// short message and a longer explanation. Errors tied to a file, such as
// a config file with a JSON syntax error, carry a location and the lines
// around it.
//
// # Categories
//
//   - config: loading or validating h2mux.json
//   - cli: bad flags or arguments
//   - transport: listening, dialing and serving connections
//   - capture: writing, uploading and reading captures
//   - protocol: connection errors reported by the multiplexer
//
// # Usage
//
//	err := errors.New("H002").
//	    WithLocation("h2mux.json", 7, 18).
//	    WithSuggestion("Remove the trailing comma")
//
//	errors.PrintError(err)
//	// Output:
//	// ERROR H002: Invalid config file
//	//
//	//   h2mux.json:7:18
//	//
//	//      5 │   "engine": {
//	//      6 │     "maxFrameSize": 16384,
//	//   →  7 │     "pushEnabled": true,
//	//        │                  ^
//	//      8 │   },
//	//
//	//   Hint: Remove the trailing comma
//
// Format, FormatCompact and FormatJSON render the same error for a
// terminal, for a log line and for machine consumption.
package errors
