package cache

// DefaultCapacity is the default number of sectors covered by the cache.
// Sectors above it are located by scanning the log backward.
const DefaultCapacity = 2048
