package tasks

// ShortAddress renders an address as 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) < 42 {
		return addr
	}
	return addr[:6] + "..." + addr[38:]
}
