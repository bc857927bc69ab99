package ec2

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/terrpan/ec2runner/internal/bootscript"
)

// tagKeyName is the tag the EC2 console displays as the instance name.
const tagKeyName = "Name"

// ReservedTagKeys are the tags the boot script reads back at boot.  They
// always carry the generated label and URL.
var ReservedTagKeys = []string{bootscript.TagRunnerLabel, bootscript.TagRunnerURL}

// RunnerTags produces the tags attached to runner instances at creation:
// Name, the runner label and the registration URL, plus extra.  extra
// may replace Name but never a reserved key.  The result is sorted by
// key so launch requests are deterministic.
func RunnerTags(label, url string, extra map[string]string) []types.Tag {
	merged := map[string]string{tagKeyName: label}
	for k, v := range extra {
		merged[k] = v
	}
	merged[bootscript.TagRunnerLabel] = label
	merged[bootscript.TagRunnerURL] = url

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(merged[k]),
		})
	}
	return tags
}

// tagSpecifications attaches tags to the instance resource.  No tags
// means no specification at all; RunInstances rejects empty tag lists.
func tagSpecifications(tags []types.Tag) []types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	return []types.TagSpecification{
		{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		},
	}
}
