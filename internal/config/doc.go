// Package config loads h2mux.json.
//
// Every section is optional. Engine fields left at zero take the
// multiplexer's per-role defaults.
//
// # Configuration File Structure
//
//	{
//	  "engine": {
//	    "maxFrameSize": 32768,
//	    "initialWindowSize": 1048576,
//	    "connWindowSize": 4194304,
//	    "maxConcurrentStreams": 250
//	  },
//	  "server": {
//	    "listen": ":8443",
//	    "admin": ":9090",
//	    "writeTimeout": "10s",
//	    "pingInterval": "30s",
//	    "pushPath": "/index.html"
//	  },
//	  "metrics": {"enabled": true},
//	  "tracing": {"enabled": true},
//	  "capture": {
//	    "dir": "/var/lib/h2mux/captures",
//	    "s3Bucket": "wire-archive"
//	  },
//	  "log": {"level": "debug", "format": "json"}
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    errors.PrintError(err)
//	    os.Exit(1)
//	}
//
//	srv := &transport.Server{Config: cfg.TransportConfig(mux.RoleServer)}
package config
