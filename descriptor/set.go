package descriptor

// MaxDescriptors bounds the size of a Set so a single system call can
// wait on all of its members.
const MaxDescriptors = 64
