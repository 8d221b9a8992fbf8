package protocol

// HostPacket is a control message the host sends to the headset.
type HostPacket interface{ hostPacket() }

// ClientPacket is a control message the headset sends to the host.
type ClientPacket interface{ clientPacket() }

func (*StreamConfig) hostPacket() {}
func (*StartStream) hostPacket()  {}
func (*KeepAlive) hostPacket()    {}
func (*Restarting) hostPacket()   {}
func (*Disconnect) hostPacket()   {}

func (*ClientInfo) clientPacket()       {}
func (*StreamReady) clientPacket()      {}
func (*ClientStatistics) clientPacket() {}
func (*RequestIDR) clientPacket()       {}
func (*StatsSummary) clientPacket()     {}
func (*KeepAlive) clientPacket()        {}
func (*Disconnect) clientPacket()       {}
