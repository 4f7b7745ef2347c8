// Command bf is a small operator tool around the transport package: it
// generates session keys and converts connection profiles between their
// authoring JSON form and the canonical CBOR wire form. It does not start,
// supervise, or kill a client or server process.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bridgefall/transport"
	"github.com/bridgefall/transport/commons/config"
	"github.com/bridgefall/transport/commons/logger"
	"github.com/bridgefall/transport/profile"
	cborprofile "github.com/bridgefall/transport/profile/cbor"
)

func main() {
	logger.Setup(os.Getenv("BF_LOG_LEVEL"))
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "keygen":
		runKeygen(os.Args[2:])
	case "profile-encode":
		runProfileEncode(os.Args[2:])
	case "profile-decode":
		runProfileDecode(os.Args[2:])
	case "defaults":
		runDefaults(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: bf <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  keygen          Generate a base64 session key")
	fmt.Fprintln(os.Stderr, "  profile-encode  Encode a JSON connection profile to CBOR")
	fmt.Fprintln(os.Stderr, "  profile-decode  Decode a CBOR connection profile to JSON")
	fmt.Fprintln(os.Stderr, "  defaults        Print (or save) the default connection profile as JSON")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  bf keygen")
	fmt.Fprintln(os.Stderr, "  bf profile-encode -in profile.json -out profile.cbor")
	fmt.Fprintln(os.Stderr, "  bf profile-decode -in profile.cbor -out profile.json")
	fmt.Fprintln(os.Stderr, "  bf defaults -out profile.json")
}

func runDefaults(args []string) {
	fs := flag.NewFlagSet("defaults", flag.ExitOnError)
	outPath := fs.String("out", "", "output file (defaults to stdout)")
	_ = fs.Parse(args)

	p := profile.Profile{
		Name:     "default",
		Tunables: transport.DefaultTunables(),
	}

	if *outPath == "" {
		data, err := config.EncodeJSONIndent(p)
		if err != nil {
			fatalf("defaults: %v", err)
		}
		fmt.Println(string(data))
		return
	}
	if err := config.SaveJSONFile(*outPath, p); err != nil {
		fatalf("defaults: %v", err)
	}
}

func runKeygen(args []string) {
	key, err := transport.GenerateSessionKey()
	if err != nil {
		fatalf("keygen failed: %v", err)
	}
	fmt.Printf("session_key=%s\n", transport.EncodeSessionKey(key))
}

func runProfileEncode(args []string) {
	inPath, outPath, base64Mode := parseIOFlags("profile-encode", args)

	var p profile.Profile
	if *inPath == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("profile-encode read stdin: %v", err)
		}
		if err := config.DecodeJSON(data, &p); err != nil {
			fatalf("profile-encode: %v", err)
		}
	} else if err := config.LoadJSONFile(*inPath, &p); err != nil {
		fatalf("profile-encode: %v", err)
	}

	out, err := cborprofile.EncodeProfile(p)
	if err != nil {
		fatalf("profile-encode: %v", err)
	}
	if *base64Mode {
		out = []byte(base64.StdEncoding.EncodeToString(out))
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-encode write output: %v", err)
	}
}

func runProfileDecode(args []string) {
	inPath, outPath, base64Mode := parseIOFlags("profile-decode", args)

	input, err := readInput(*inPath)
	if err != nil {
		fatalf("profile-decode read input: %v", err)
	}
	if *base64Mode {
		input, err = decodeBase64(input)
		if err != nil {
			fatalf("profile-decode decode base64: %v", err)
		}
	}

	out, err := cborprofile.DecodeCBORToJSON(input)
	if err != nil {
		fatalf("profile-decode: %v", err)
	}
	if err := writeOutput(*outPath, out); err != nil {
		fatalf("profile-decode write output: %v", err)
	}
}

func parseIOFlags(name string, args []string) (inPath, outPath *string, base64Mode *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	inPath = fs.String("in", "", "input file (defaults to stdin)")
	outPath = fs.String("out", "", "output file (defaults to stdout)")
	base64Mode = fs.Bool("base64", false, "read/write base64-wrapped CBOR")
	_ = fs.Parse(args)
	return inPath, outPath, base64Mode
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		_, err := os.Stdout.Write([]byte("\n"))
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func decodeBase64(raw []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty base64 input")
	}
	return base64.StdEncoding.DecodeString(trimmed)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
