package transport

import "testing"

func TestDirectionOpposite(t *testing.T) {
	if ToServer.Opposite() != ToClient {
		t.Fatalf("ToServer.Opposite() should be ToClient")
	}
	if ToClient.Opposite() != ToServer {
		t.Fatalf("ToClient.Opposite() should be ToServer")
	}
}

func TestDirectionString(t *testing.T) {
	if ToServer.String() != "to-server" {
		t.Fatalf("got %q", ToServer.String())
	}
	if ToClient.String() != "to-client" {
		t.Fatalf("got %q", ToClient.String())
	}
}
