package inode

import "time"

// NewInode is new_inode: obtain an empty in-memory slot, claim a bit in
// dev's inode bitmap, and populate the slot as a fresh file owned by
// uid/gid. Returns (nil, false) if the device has no mounted superblock
// or its inode bitmap is full.
func (t *Table) NewInode(dev uint32, uid, gid uint16) (*Inode, bool) {
	inode := t.GetEmptyInode()

	info, ok := t.locator.GetSuper(dev)
	if !ok {
		t.Iput(inode)
		return nil, false
	}
	num, ok := info.Bitmap().NewInode()
	if !ok {
		t.Iput(inode)
		return nil, false
	}

	now := uint32(time.Now().Unix())
	t.mu.Lock()
	inode.count = 1
	inode.NLinks = 1
	inode.Dev = dev
	inode.UID = uid
	inode.GID = uint8(gid)
	inode.dirty = true
	inode.Num = num
	inode.Mtime, inode.Atime, inode.Ctime = now, now, now
	t.mu.Unlock()
	return inode, true
}
