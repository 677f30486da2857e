package wire

// This file mirrors the teacher codec's per-type constructors
// (msg.NewHello, msg.NewWhisper, ...) as thin convenience wrappers over the
// one generic Frame, rather than one Go struct per wire type.

// NewProfile builds a PROFILE broadcast frame.
func NewProfile(userID, displayName, status, token string) *Frame {
	return New(TypeProfile).
		Set(HUserID, userID).
		Set(HDisplayName, displayName).
		Set(HStatus, status).
		Set(HToken, token)
}

// NewPing builds a PING broadcast frame.
func NewPing(userID, token string) *Frame {
	return New(TypePing).Set(HUserID, userID).Set(HToken, token)
}

// NewPong builds a unicast PONG reply.
func NewPong(userID, to, token string) *Frame {
	return New(TypePong).Set(HUserID, userID).Set(HTo, to).Set(HToken, token)
}

// NewPost builds a broadcast POST frame with body text.
func NewPost(postID, from, token, text string) *Frame {
	return New(TypePost).Set(HPostID, postID).Set(HFrom, from).Set(HToken, token).SetBody([]byte(text))
}

// NewLike builds a broadcast LIKE frame referencing a post.
func NewLike(postID, from, token string) *Frame {
	return New(TypeLike).Set(HPostID, postID).Set(HFrom, from).Set(HToken, token)
}

// NewChat builds a reliable unicast CHAT frame.
func NewChat(messageID, from, to, token, text string) *Frame {
	return New(TypeChat).
		Set(HMessageID, messageID).
		Set(HFrom, from).
		Set(HTo, to).
		Set(HToken, token).
		SetBody([]byte(text))
}

// NewGroupChat builds a reliable unicast GROUP_CHAT frame to one member.
func NewGroupChat(messageID, groupID, from, to, token, text string) *Frame {
	return New(TypeGroupChat).
		Set(HMessageID, messageID).
		Set(HGroupID, groupID).
		Set(HFrom, from).
		Set(HTo, to).
		Set(HToken, token).
		SetBody([]byte(text))
}

// NewGroupUpdate builds a broadcast group membership announcement.
func NewGroupUpdate(groupID, creator, name, members, token string) *Frame {
	return New(TypeGroupUpdate).
		Set(HGroupID, groupID).
		Set(HCreator, creator).
		Set(HName, name).
		Set(HMembers, members).
		Set(HToken, token)
}

// NewFileOffer builds a reliable unicast FILE_OFFER frame.
func NewFileOffer(transferID, from, to, filename string, size, chunkSize, chunkCount int, token string) *Frame {
	return New(TypeFileOffer).
		Set(HTransferID, transferID).
		Set(HFrom, from).
		Set(HTo, to).
		Set(HFilename, filename).
		SetInt(HSize, size).
		SetInt(HChunkSize, chunkSize).
		SetInt(HChunkCount, chunkCount).
		Set(HToken, token)
}

// NewFileAccept builds a reliable unicast FILE_ACCEPT frame.
func NewFileAccept(transferID, from, to, token string) *Frame {
	return New(TypeFileAccept).Set(HTransferID, transferID).Set(HFrom, from).Set(HTo, to).Set(HToken, token)
}

// NewFileReject builds a reliable unicast FILE_REJECT frame.
func NewFileReject(transferID, from, to, token string) *Frame {
	return New(TypeFileReject).Set(HTransferID, transferID).Set(HFrom, from).Set(HTo, to).Set(HToken, token)
}

// NewFileData builds a reliable unicast FILE_DATA chunk frame.
func NewFileData(transferID string, chunkIndex int, token string, chunk []byte) *Frame {
	return New(TypeFileData).
		Set(HTransferID, transferID).
		SetInt(HChunkIndex, chunkIndex).
		Set(HToken, token).
		SetBody(chunk)
}

// NewFileComplete builds a reliable unicast FILE_COMPLETE frame.
func NewFileComplete(transferID, token string) *Frame {
	return New(TypeFileComplete).Set(HTransferID, transferID).Set(HToken, token)
}

// NewFileCancel builds a reliable unicast FILE_CANCEL frame.
func NewFileCancel(transferID, token string) *Frame {
	return New(TypeFileCancel).Set(HTransferID, transferID).Set(HToken, token)
}

// NewGameInvite builds a reliable unicast GAME_INVITE frame.
func NewGameInvite(gameID, from, to, symbol, token string) *Frame {
	return New(TypeGameInvite).
		Set(HGameID, gameID).
		Set(HFrom, from).
		Set(HTo, to).
		Set(HSymbol, symbol).
		Set(HToken, token)
}

// NewGameInviteAck builds a reliable unicast accept/decline reply.
func NewGameInviteAck(gameID, from, to string, accept bool, token string) *Frame {
	val := "0"
	if accept {
		val = "1"
	}
	return New(TypeGameInviteAk).
		Set(HGameID, gameID).
		Set(HFrom, from).
		Set(HTo, to).
		Set(HAccept, val).
		Set(HToken, token)
}

// NewGameMove builds a reliable unicast MOVE frame.
func NewGameMove(gameID string, moveNo, position int, player, token string) *Frame {
	return New(TypeGameMove).
		Set(HGameID, gameID).
		SetInt(HMoveNo, moveNo).
		SetInt(HPosition, position).
		Set(HPlayer, player).
		Set(HToken, token)
}

// NewGameResult builds an informational RESULT frame.
func NewGameResult(gameID, winner, token string) *Frame {
	return New(TypeGameResult).Set(HGameID, gameID).Set(HWinner, winner).Set(HToken, token)
}

// NewGameResign builds a RESIGN frame.
func NewGameResign(gameID, token string) *Frame {
	return New(TypeGameResign).Set(HGameID, gameID).Set(HToken, token)
}

// NewGameResync builds a RESYNC frame carrying a board snapshot.
func NewGameResync(gameID, board string, moveNo int, token string) *Frame {
	return New(TypeGameResync).
		Set(HGameID, gameID).
		Set(HBoard, board).
		SetInt(HMoveNo, moveNo).
		Set(HToken, token)
}

// NewAck builds an ACK frame referencing the message it acknowledges.
func NewAck(messageID string) *Frame {
	return New(TypeAck).Set(HMessageID, messageID)
}

// NewRevoke builds a shutdown REVOKE broadcast.
func NewRevoke(userID string) *Frame {
	return New(TypeRevoke).Set(HUserID, userID)
}
