package pcap

import "testing"

func TestOpenOffline_MissingFile(t *testing.T) {
	_, err := OpenOffline("/nonexistent/path/does-not-exist.pcap")
	if err == nil {
		t.Fatalf("expected an error opening a nonexistent trace file")
	}
}

func TestOpenLive_UnknownInterface(t *testing.T) {
	_, err := OpenLive("ptptrace-test-no-such-iface", 1600, true)
	if err == nil {
		t.Fatalf("expected an error opening a nonexistent interface")
	}
}
