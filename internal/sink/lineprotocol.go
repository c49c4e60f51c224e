package sink

import (
	"fmt"
	"strings"
	"time"
)

// formatLine builds one InfluxDB line-protocol record:
//
//	<measurement>,tag_id=<id>,tag_channel=<channel>,tag_room=<room> id=<id>i,channel=<channel>i,counts=<count>i <timestamp>
//
// When room is empty the tag_room element is omitted, but the comma that
// would have separated it from tag_channel is preserved rather than
// collapsed away.
func formatLine(measurement string, id, channel int, room string, count uint32, t time.Time) string {
	tags := []string{
		fmt.Sprintf("tag_id=%d", id),
		fmt.Sprintf("tag_channel=%d", channel),
	}
	if room != "" {
		tags = append(tags, "tag_room="+room)
	} else {
		tags = append(tags, "")
	}

	var b strings.Builder
	b.WriteString(measurement)
	b.WriteByte(',')
	b.WriteString(strings.Join(tags, ","))
	b.WriteByte(' ')
	fmt.Fprintf(&b, "id=%di,channel=%di,counts=%di", id, channel, count)
	b.WriteByte(' ')
	fmt.Fprintf(&b, "%d", t.UnixNano())

	return b.String()
}
