package analysis

// BlockList is the user-controlled set of blocked peers. It stores its
// membership inside the Registry so that block state and peer entries change
// under the same lock.
type BlockList struct {
	reg *Registry
}

// NewBlockList binds a block list to reg.
func NewBlockList(reg *Registry) *BlockList {
	return &BlockList{reg: reg}
}

// Block adds ip, creating its peer entry if needed. It reports whether the
// membership changed.
func (b *BlockList) Block(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	return b.reg.setBlocked(ip, true), nil
}

// Unblock removes ip. The peer entry is kept (or created) with its flag cleared.
func (b *BlockList) Unblock(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	return b.reg.setBlocked(ip, false), nil
}

// Toggle flips the membership of ip atomically and returns whether it is
// blocked afterwards.
func (b *BlockList) Toggle(ip string) (bool, error) {
	ip, err := NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	return b.reg.toggleBlocked(ip), nil
}

// Contains reports whether ip is blocked.
func (b *BlockList) Contains(ip string) bool {
	return b.reg.isBlocked(ip)
}

// List returns the blocked addresses in ascending order.
func (b *BlockList) List() []string {
	return b.reg.blockedIPs()
}
