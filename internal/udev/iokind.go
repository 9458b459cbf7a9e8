package udev

import "golang.org/x/sys/unix"

// IOKind is a generic category of I/O failure.
type IOKind uint8

const (
	IOUncategorized IOKind = iota
	IONotFound
	IOPermissionDenied
	IOConnectionRefused
	IOConnectionReset
	IOHostUnreachable
	IONetworkUnreachable
	IOConnectionAborted
	IONotConnected
	IOAddrInUse
	IOAddrNotAvailable
	IONetworkDown
	IOBrokenPipe
	IOAlreadyExists
	IOWouldBlock
	IONotADirectory
	IOIsADirectory
	IODirectoryNotEmpty
	IOReadOnlyFilesystem
	IOFilesystemLoop
	IOStaleNetworkFileHandle
	IOInvalidInput
	IOInvalidData
	IOTimedOut
	IOStorageFull
	IONotSeekable
	IOQuotaExceeded
	IOFileTooLarge
	IOResourceBusy
	IOExecutableFileBusy
	IODeadlock
	IOCrossesDevices
	IOTooManyLinks
	IOInvalidFilename
	IOArgumentListTooLong
	IOInterrupted
	IOUnsupported
	IOOutOfMemory
	IOInProgress
	IOOther
)

var ioKindNames = [...]string{
	IOUncategorized:          "uncategorized error",
	IONotFound:               "entity not found",
	IOPermissionDenied:       "permission denied",
	IOConnectionRefused:      "connection refused",
	IOConnectionReset:        "connection reset",
	IOHostUnreachable:        "host unreachable",
	IONetworkUnreachable:     "network unreachable",
	IOConnectionAborted:      "connection aborted",
	IONotConnected:           "not connected",
	IOAddrInUse:              "address in use",
	IOAddrNotAvailable:       "address not available",
	IONetworkDown:            "network down",
	IOBrokenPipe:             "broken pipe",
	IOAlreadyExists:          "entity already exists",
	IOWouldBlock:             "operation would block",
	IONotADirectory:          "not a directory",
	IOIsADirectory:           "is a directory",
	IODirectoryNotEmpty:      "directory not empty",
	IOReadOnlyFilesystem:     "read-only filesystem or storage medium",
	IOFilesystemLoop:         "filesystem loop or indirection limit",
	IOStaleNetworkFileHandle: "stale network file handle",
	IOInvalidInput:           "invalid input parameter",
	IOInvalidData:            "invalid data",
	IOTimedOut:               "timed out",
	IOStorageFull:            "no storage space",
	IONotSeekable:            "seek on unseekable file",
	IOQuotaExceeded:          "quota exceeded",
	IOFileTooLarge:           "file too large",
	IOResourceBusy:           "resource busy",
	IOExecutableFileBusy:     "executable file busy",
	IODeadlock:               "deadlock",
	IOCrossesDevices:         "cross-device link or rename",
	IOTooManyLinks:           "too many links",
	IOInvalidFilename:        "invalid filename",
	IOArgumentListTooLong:    "argument list too long",
	IOInterrupted:            "operation interrupted",
	IOUnsupported:            "unsupported",
	IOOutOfMemory:            "out of memory",
	IOInProgress:             "in progress",
	IOOther:                  "other error",
}

func (k IOKind) String() string {
	if int(k) < len(ioKindNames) {
		return ioKindNames[k]
	}
	return ioKindNames[IOUncategorized]
}

// Standard Unix errno to I/O kind table. EBADMSG and EPROTO are reported by
// the event decoder and count as invalid data.
var errnoIOKinds = map[unix.Errno]IOKind{
	unix.E2BIG:         IOArgumentListTooLong,
	unix.EADDRINUSE:    IOAddrInUse,
	unix.EADDRNOTAVAIL: IOAddrNotAvailable,
	unix.EBUSY:         IOResourceBusy,
	unix.ECONNABORTED:  IOConnectionAborted,
	unix.ECONNREFUSED:  IOConnectionRefused,
	unix.ECONNRESET:    IOConnectionReset,
	unix.EDEADLK:       IODeadlock,
	unix.EDQUOT:        IOQuotaExceeded,
	unix.EEXIST:        IOAlreadyExists,
	unix.EFBIG:         IOFileTooLarge,
	unix.EHOSTUNREACH:  IOHostUnreachable,
	unix.EINTR:         IOInterrupted,
	unix.EINVAL:        IOInvalidInput,
	unix.EISDIR:        IOIsADirectory,
	unix.ELOOP:         IOFilesystemLoop,
	unix.ENOENT:        IONotFound,
	unix.ENOMEM:        IOOutOfMemory,
	unix.ENOSPC:        IOStorageFull,
	unix.ENOSYS:        IOUnsupported,
	unix.EMLINK:        IOTooManyLinks,
	unix.ENAMETOOLONG:  IOInvalidFilename,
	unix.ENETDOWN:      IONetworkDown,
	unix.ENETUNREACH:   IONetworkUnreachable,
	unix.ENOTCONN:      IONotConnected,
	unix.ENOTDIR:       IONotADirectory,
	unix.ENOTEMPTY:     IODirectoryNotEmpty,
	unix.EPIPE:         IOBrokenPipe,
	unix.EROFS:         IOReadOnlyFilesystem,
	unix.ESPIPE:        IONotSeekable,
	unix.ESTALE:        IOStaleNetworkFileHandle,
	unix.ETIMEDOUT:     IOTimedOut,
	unix.ETXTBSY:       IOExecutableFileBusy,
	unix.EXDEV:         IOCrossesDevices,
	unix.EINPROGRESS:   IOInProgress,
	unix.EACCES:        IOPermissionDenied,
	unix.EPERM:         IOPermissionDenied,
	unix.EAGAIN:        IOWouldBlock,
	unix.EBADMSG:       IOInvalidData,
	unix.EPROTO:        IOInvalidData,
}

func ioKindOf(errno unix.Errno) IOKind {
	if kind, ok := errnoIOKinds[errno]; ok {
		return kind
	}
	return IOUncategorized
}
