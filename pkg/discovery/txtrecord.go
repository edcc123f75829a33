package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeServerTXT builds the TXT records of a server.
func EncodeServerTXT(info *ServerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyChannel: info.ChannelType,
		TXTKeyMaxAnon: strconv.Itoa(info.MaxAnonymous),
	}
	if info.Management != "" {
		txt[TXTKeyManagement] = info.Management
	}
	if info.AcceptAnonymous {
		txt[TXTKeyAnonymous] = "1"
	} else {
		txt[TXTKeyAnonymous] = "0"
	}
	if len(info.ExtraAddresses) > 0 {
		txt[TXTKeyExtra] = strings.Join(info.ExtraAddresses, ",")
	}
	return txt
}

// DecodeServerTXT parses a server's TXT records.
func DecodeServerTXT(txt TXTRecordMap) (*ServerInfo, error) {
	ch, ok := txt[TXTKeyChannel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyChannel)
	}
	if ch != "SCTP" && ch != "TCP" {
		return nil, fmt.Errorf("%w: channel type %q", ErrInvalidTXTRecord, ch)
	}

	info := &ServerInfo{
		Management:      txt[TXTKeyManagement],
		ChannelType:     ch,
		AcceptAnonymous: txt[TXTKeyAnonymous] == "1",
	}
	if v, ok := txt[TXTKeyMaxAnon]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: max %q", ErrInvalidTXTRecord, v)
		}
		info.MaxAnonymous = n
	}
	if v := txt[TXTKeyExtra]; v != "" {
		info.ExtraAddresses = strings.Split(v, ",")
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to a slice of "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
