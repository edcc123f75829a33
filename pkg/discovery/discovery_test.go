package discovery

import (
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerTXTRoundTrip(t *testing.T) {
	info := &ServerInfo{
		Management:      "mgmt",
		ChannelType:     "SCTP",
		AcceptAnonymous: true,
		MaxAnonymous:    4,
		ExtraAddresses:  []string{"10.0.0.1", "10.0.0.2"},
	}

	strs := TXTRecordsToStrings(EncodeServerTXT(info))
	got, err := DecodeServerTXT(StringsToTXTRecords(strs))
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestDecodeServerTXTErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  TXTRecordMap
		want error
	}{
		{"missing channel", TXTRecordMap{TXTKeyAnonymous: "0"}, ErrMissingRequired},
		{"bad channel", TXTRecordMap{TXTKeyChannel: "UDP"}, ErrInvalidTXTRecord},
		{"bad max", TXTRecordMap{TXTKeyChannel: "TCP", TXTKeyMaxAnon: "-1"}, ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerTXT(tt.txt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"a=1", "flag", "b=x=y", ""})
	assert.Equal(t, TXTRecordMap{"a": "1", "flag": "", "b": "x=y"}, txt)

	strs := TXTRecordsToStrings(TXTRecordMap{"k": "v", "z": ""})
	sort.Strings(strs)
	assert.Equal(t, []string{"k=v", "z="}, strs)
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, ValidateInstanceName("S"))
	assert.Error(t, ValidateInstanceName(""))
	assert.ErrorIs(t, ValidateInstanceName(strings.Repeat("x", 64)), ErrInstanceNameTooLong)
}

func TestServiceType(t *testing.T) {
	assert.Equal(t, ServiceTypeTCP, ServiceType("TCP"))
	assert.Equal(t, ServiceTypeSCTP, ServiceType("SCTP"))
}

func newEntry(instance string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: ServiceTypeSCTP, Domain: Domain},
	}
}

func TestEntryToServer(t *testing.T) {
	entry := newEntry("S")
	entry.HostName = "host.local."
	entry.Port = 9000
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
	entry.Text = []string{"ch=SCTP", "an=1", "max=1"}

	svc := entryToServer(entry)
	require.NotNil(t, svc)
	assert.Equal(t, "S", svc.Instance)
	assert.Equal(t, uint16(9000), svc.Port)
	assert.True(t, svc.AcceptAnonymous)
	assert.Equal(t, 1, svc.MaxAnonymous)
	assert.Equal(t, []string{"192.168.1.5"}, svc.Addresses)

	entry.Text = nil
	assert.Nil(t, entryToServer(entry))
}

func TestAddressMerging(t *testing.T) {
	merged := mergeAddresses([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, merged)

	entry := newEntry("S")
	entry.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.1")}
	assert.Equal(t, []string{"10.0.0.2"}, removeAddresses([]string{"10.0.0.1", "10.0.0.2"}, entry))
}

func TestAdvertiserStopUnknown(t *testing.T) {
	a, err := NewMDNSAdvertiser(AdvertiserConfig{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.StopServer("missing"), ErrNotFound)
	a.StopAll()
}
